// Command ingest loads question-answering records from a JSON dataset,
// embeds them with the Cohere embed API and writes them to a vector store
// in batches. Questions can optionally be mirrored into a Neo4j graph, and
// with -publish the records are pushed onto NATS for the worker instead of
// being ingested in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/datastax/cohere-basic-astradb-integration/engine/dataset"
	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/ingest"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/cohere"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/fn"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/metrics"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/natsutil"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/resilience"
)

var met = metrics.New()

var (
	mRecords   = met.Counter("engine_ingest_records_total", "Records loaded from the dataset")
	mInserted  = met.Counter("engine_ingest_documents_total", "Documents written to the vector store")
	mBatches   = met.Counter("engine_ingest_batches_total", "Insert calls made against the store")
	mPublished = met.Counter("engine_ingest_published_total", "Records published to NATS")
	mEmbedDur  = met.Histogram("engine_ingest_embed_duration_seconds", "Latency of Cohere embed calls", nil)
	mInsertDur = met.Histogram("engine_ingest_insert_duration_seconds", "Latency of store insert calls", nil)

	mErrors = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("engine_ingest_errors_total", "stage", stage), "Ingestion errors by stage")
	}
)

func main() {
	var (
		file        = flag.String("file", "", "dataset file (JSON array or JSON lines)")
		limit       = flag.Int("limit", 0, "max records to load, 0 loads everything")
		backend     = flag.String("backend", "astra", "vector backend: astra or qdrant")
		collection  = flag.String("collection", "qa_memory", "collection name")
		keyspace    = flag.String("keyspace", "", "Astra keyspace (empty uses default_keyspace)")
		dims        = flag.Int("dims", 1024, "embedding dimension")
		model       = flag.String("model", "", "Cohere embedding model (empty uses the client default)")
		embedBatch  = flag.Int("embed-batch", ingest.DefaultEmbedBatchSize, "texts per embed call")
		insertBatch = flag.Int("insert-batch", ingest.DefaultInsertBatchSize, "documents per insert call")
		workers     = flag.Int("workers", 1, "concurrent insert batches")
		retries     = flag.Int("retries", 0, "insert retry attempts, 0 disables retry")
		rps         = flag.Float64("rps", 0, "embed API rate limit in requests per second, 0 is unlimited")
		useGraph    = flag.Bool("graph", false, "mirror questions into Neo4j")
		neo4jURL    = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", "password", "Neo4j password")
		qdrantAddr  = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		publish     = flag.Bool("publish", false, "publish records to NATS instead of ingesting in-process")
		natsURL     = flag.String("nats", nats.DefaultURL, "NATS server URL")
		metricsPort = flag.Int("metrics-port", 9091, "Prometheus metrics port")
		drop        = flag.Bool("drop", false, "delete the collection and exit")
	)
	flag.Parse()

	_ = godotenv.Load()
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	met.CollectRuntime("engine_ingest", 15*time.Second)
	met.ServeAsync(*metricsPort)

	st, err := buildStore(*backend, *collection, *keyspace, *qdrantAddr)
	if err != nil {
		log.Error("store setup failed", "backend", *backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if *drop {
		if err := st.DeleteCollection(ctx); err != nil {
			log.Error("drop failed", "collection", *collection, "error", err)
			os.Exit(1)
		}
		log.Info("collection deleted", "backend", *backend, "collection", *collection)
		return
	}

	if *file == "" {
		log.Error("missing -file: a dataset is required unless -drop is given")
		os.Exit(1)
	}

	var fileOpts []dataset.FileOption
	if *limit > 0 {
		fileOpts = append(fileOpts, dataset.WithLimit(*limit))
	}
	recs, err := dataset.NewFileSource(*file, fileOpts...).Records(ctx)
	if err != nil {
		log.Error("dataset load failed", "file", *file, "error", err)
		os.Exit(1)
	}
	mRecords.Add(int64(len(recs)))
	log.Info("dataset loaded", "file", *file, "records", len(recs))

	if *publish {
		publishRecords(ctx, log, *natsURL, recs)
		return
	}

	apiKey := os.Getenv("COHERE_API_KEY")
	if apiKey == "" {
		log.Error("COHERE_API_KEY is required")
		os.Exit(1)
	}
	copts := []cohere.Option{}
	if *model != "" {
		copts = append(copts, cohere.WithModel(*model))
	}
	if *rps > 0 {
		burst := int(*rps)
		if burst < 1 {
			burst = 1
		}
		copts = append(copts, cohere.WithRateLimit(*rps, burst))
	}
	embedder, err := cohere.New(apiKey, copts...)
	if err != nil {
		log.Error("cohere setup failed", "error", err)
		os.Exit(1)
	}

	if err := st.EnsureCollection(ctx, *dims); err != nil {
		log.Error("collection setup failed", "collection", *collection, "error", err)
		os.Exit(1)
	}
	log.Info("collection ready", "backend", *backend, "collection", *collection, "dims", *dims)

	deps := ingest.Deps{
		Embedder: timedEmbedder{inner: embedder},
		Store:    timedStore{Store: st},
		Breaker:  resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Logger:   log,
		Config: ingest.Config{
			EmbedBatchSize:  *embedBatch,
			InsertBatchSize: *insertBatch,
			InsertWorkers:   *workers,
		},
	}
	if *retries > 0 {
		deps.Config.Retry = &fn.RetryOpts{
			MaxAttempts: *retries,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     10 * time.Second,
			Jitter:      true,
		}
	}
	if *useGraph {
		driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
		if err != nil {
			log.Error("neo4j setup failed", "url", *neo4jURL, "error", err)
			os.Exit(1)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			log.Error("neo4j unreachable", "url", *neo4jURL, "error", err)
			os.Exit(1)
		}
		defer driver.Close(ctx)
		deps.Graph = graph.New(driver)
	}

	start := time.Now()
	report, err := ingest.NewPipeline(deps)(ctx, recs).Unwrap()
	if err != nil {
		mErrors("pipeline").Inc()
		log.Error("ingestion failed", "error", err)
		os.Exit(1)
	}
	mInserted.Add(int64(report.Inserted()))
	mBatches.Add(int64(len(report.Batches)))
	log.Info("ingestion complete",
		"records", report.Records,
		"batches", len(report.Batches),
		"inserted", report.Inserted(),
		"duration", time.Since(start).Round(time.Millisecond))
}

// publishRecords pushes every record onto the ingestion subject for the
// worker to pick up. Publish failures are logged and skipped so one bad
// record does not abort the run.
func publishRecords(ctx context.Context, log *slog.Logger, url string, recs []domain.Record) {
	nc, err := nats.Connect(url)
	if err != nil {
		log.Error("nats connect failed", "url", url, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	for _, rec := range recs {
		if ctx.Err() != nil {
			log.Warn("publish interrupted", "published", mPublished.Value())
			break
		}
		if err := natsutil.Publish(ctx, nc, ingest.RecordsSubject, rec); err != nil {
			mErrors("publish").Inc()
			log.Error("publish failed", "record_id", rec.ID, "error", err)
			continue
		}
		mPublished.Inc()
	}
	if err := nc.Flush(); err != nil {
		log.Error("nats flush failed", "error", err)
	}
	log.Info("records published", "subject", ingest.RecordsSubject, "count", mPublished.Value())
}

func buildStore(backend, collection, keyspace, qdrantAddr string) (store.Store, error) {
	switch backend {
	case "astra":
		var opts []store.AstraOption
		if keyspace != "" {
			opts = append(opts, store.WithKeyspace(keyspace))
		}
		return store.NewAstra(os.Getenv("ASTRA_DB_API_ENDPOINT"), os.Getenv("ASTRA_DB_APPLICATION_TOKEN"), collection, opts...)
	case "qdrant":
		return store.NewQdrant(qdrantAddr, collection)
	default:
		return nil, fmt.Errorf("unknown backend %q (want astra or qdrant)", backend)
	}
}

// timedEmbedder records embed latency and failures around the Cohere client.
type timedEmbedder struct {
	inner *cohere.Client
}

func (e timedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := e.inner.EmbedDocuments(ctx, texts)
	mEmbedDur.Since(start)
	if err != nil {
		mErrors("embed").Inc()
	}
	return vecs, err
}

// timedStore records insert latency and failures around the vector store.
type timedStore struct {
	store.Store
}

func (s timedStore) InsertMany(ctx context.Context, docs []store.Document) ([]string, error) {
	start := time.Now()
	ids, err := s.Store.InsertMany(ctx, docs)
	mInsertDur.Since(start)
	if err != nil {
		mErrors("insert").Inc()
	}
	return ids, err
}
