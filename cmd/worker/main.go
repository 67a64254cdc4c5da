// Command worker consumes question-answering records from NATS and runs
// them through the ingestion pipeline: embed with Cohere, write to the
// vector store, optionally mirror into Neo4j. Failed records are retried
// and eventually dead-lettered.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/ingest"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/cohere"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/fn"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/metrics"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/resilience"
)

var met = metrics.New()

var (
	mEmbedDur  = met.Histogram("engine_worker_embed_duration_seconds", "Latency of Cohere embed calls", nil)
	mInsertDur = met.Histogram("engine_worker_insert_duration_seconds", "Latency of store insert calls", nil)
)

// Config holds everything the worker needs from the environment.
type Config struct {
	NATSURL    string
	Backend    string
	Collection string
	Keyspace   string

	AstraEndpoint string
	AstraToken    string
	QdrantAddr    string

	CohereKey   string
	CohereModel string
	Dims        int

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string
	UseGraph  bool

	InsertRetries int
	MetricsPort   int
}

func loadConfig() Config {
	dims, _ := strconv.Atoi(envOr("EMBED_DIMS", "1024"))
	retries, _ := strconv.Atoi(envOr("INSERT_RETRIES", "3"))
	port, _ := strconv.Atoi(envOr("METRICS_PORT", "9092"))
	return Config{
		NATSURL:       envOr("NATS_URL", nats.DefaultURL),
		Backend:       envOr("VECTOR_BACKEND", "astra"),
		Collection:    envOr("COLLECTION", "qa_memory"),
		Keyspace:      os.Getenv("ASTRA_DB_KEYSPACE"),
		AstraEndpoint: os.Getenv("ASTRA_DB_API_ENDPOINT"),
		AstraToken:    os.Getenv("ASTRA_DB_APPLICATION_TOKEN"),
		QdrantAddr:    envOr("QDRANT_URL", "localhost:6334"),
		CohereKey:     os.Getenv("COHERE_API_KEY"),
		CohereModel:   os.Getenv("COHERE_MODEL"),
		Dims:          dims,
		Neo4jURL:      envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:     envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:     envOr("NEO4J_PASS", "password"),
		UseGraph:      envOr("USE_GRAPH", "false") == "true",
		InsertRetries: retries,
		MetricsPort:   port,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("engine_worker", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	if cfg.CohereKey == "" {
		return errors.New("COHERE_API_KEY is required")
	}
	copts := []cohere.Option{}
	if cfg.CohereModel != "" {
		copts = append(copts, cohere.WithModel(cfg.CohereModel))
	}
	embedder, err := cohere.New(cfg.CohereKey, copts...)
	if err != nil {
		return fmt.Errorf("cohere setup: %w", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("store setup: %w", err)
	}
	defer st.Close()

	if err := st.EnsureCollection(ctx, cfg.Dims); err != nil {
		return fmt.Errorf("collection setup: %w", err)
	}

	deps := ingest.Deps{
		Embedder: timedEmbedder{inner: embedder},
		Store:    timedStore{Store: st},
		Breaker:  resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Logger:   logger,
		Config: ingest.Config{
			Retry: &fn.RetryOpts{
				MaxAttempts: cfg.InsertRetries,
				InitialWait: 500 * time.Millisecond,
				MaxWait:     10 * time.Second,
				Jitter:      true,
			},
		},
	}

	if cfg.UseGraph {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j setup: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("neo4j connectivity: %w", err)
		}
		defer driver.Close(ctx)
		gs := graph.New(driver)
		deps.Graph = gs
		deps.DeduplicateF = gs.HasQuestion
	} else {
		deps.DeduplicateF = memoryDedup()
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("engine-worker"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, deps)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info("worker listening",
		"nats", cfg.NATSURL,
		"subject", ingest.RecordsSubject,
		"backend", cfg.Backend,
		"collection", cfg.Collection,
		"graph", cfg.UseGraph)

	<-ctx.Done()
	logger.Info("shutting down")
	return nc.Drain()
}

func buildStore(cfg Config) (store.Store, error) {
	switch cfg.Backend {
	case "astra":
		var opts []store.AstraOption
		if cfg.Keyspace != "" {
			opts = append(opts, store.WithKeyspace(cfg.Keyspace))
		}
		return store.NewAstra(cfg.AstraEndpoint, cfg.AstraToken, cfg.Collection, opts...)
	case "qdrant":
		return store.NewQdrant(cfg.QdrantAddr, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown backend %q (want astra or qdrant)", cfg.Backend)
	}
}

// timedEmbedder records embed latency around the Cohere client.
type timedEmbedder struct {
	inner *cohere.Client
}

func (e timedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := e.inner.EmbedDocuments(ctx, texts)
	mEmbedDur.Since(start)
	return vecs, err
}

// timedStore records insert latency around the vector store.
type timedStore struct {
	store.Store
}

func (s timedStore) InsertMany(ctx context.Context, docs []store.Document) ([]string, error) {
	start := time.Now()
	ids, err := s.Store.InsertMany(ctx, docs)
	mInsertDur.Since(start)
	return ids, err
}

// memoryDedup tracks seen document IDs in-process. Good enough for a single
// worker; with the graph enabled dedup goes through Neo4j instead so that
// restarts and multiple workers share state.
func memoryDedup() func(context.Context, string) (bool, error) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	return func(_ context.Context, docID string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if seen[docID] {
			return true, nil
		}
		seen[docID] = true
		return false, nil
	}
}
