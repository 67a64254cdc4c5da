// Package ingest provides the pipeline that takes question-answering
// records through validation, batched embedding, and batched vector
// storage, with optional graph enrichment alongside.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/fn"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/resilience"
)

const (
	// RecordsSubject is the NATS subject for incoming records.
	RecordsSubject = "engine.records"
	// DLQSubject is the dead letter queue subject for failed records.
	DLQSubject = "engine.records.dlq"
	// MaxRetries before sending a record to the DLQ.
	MaxRetries = 3

	// DefaultEmbedBatchSize matches the embed API's per-call text limit.
	DefaultEmbedBatchSize = 96
	// DefaultInsertBatchSize matches the Data API's insertMany cap.
	DefaultInsertBatchSize = 20
)

// Embedder turns document texts into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes pipeline batching and retry behaviour.
type Config struct {
	EmbedBatchSize  int
	InsertBatchSize int
	// InsertWorkers > 1 inserts batches concurrently. Leave at 0 or 1
	// for strictly ordered inserts.
	InsertWorkers int
	// Retry, when set, wraps each insert call in a retry loop.
	Retry *fn.RetryOpts
}

func (c Config) withDefaults() Config {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = DefaultInsertBatchSize
	}
	return c
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder Embedder
	Store    store.Store
	// Graph, when non-nil, receives question nodes alongside vector
	// writes. Graph failures never fail the run.
	Graph *graph.GraphStore
	// Breaker, when non-nil, guards insert calls.
	Breaker      *resilience.Breaker
	DeduplicateF func(ctx context.Context, docID string) (bool, error)
	Logger       *slog.Logger
	Config       Config
}

// DocumentID derives the deterministic store ID for a record, so that
// re-ingesting a dataset overwrites rather than duplicates.
func DocumentID(r domain.Record) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.ID)).String()
}

// Validate checks every record via domain validation.
var Validate fn.Stage[[]domain.Record, []domain.Record] = func(_ context.Context, recs []domain.Record) fn.Result[[]domain.Record] {
	for i, r := range recs {
		if err := domain.ValidateRecord(r); err != nil {
			return fn.Errf[[]domain.Record]("ingest: record %d (%s): %w", i, r.ID, err)
		}
	}
	return fn.Ok(recs)
}

// NewEmbed creates a stage that embeds record questions in batches of at
// most batchSize texts per call.
func NewEmbed(embedder Embedder, batchSize int) fn.Stage[[]domain.Record, EmbeddedRecords] {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	return func(ctx context.Context, recs []domain.Record) fn.Result[EmbeddedRecords] {
		embeddings := make([][]float32, 0, len(recs))
		for i := 0; i < len(recs); i += batchSize {
			end := min(i+batchSize, len(recs))
			texts := fn.Map(recs[i:end], func(r domain.Record) string { return r.Question })

			vecs, err := embedder.EmbedDocuments(ctx, texts)
			if err != nil {
				return fn.Errf[EmbeddedRecords]("ingest: embed batch at offset %d: %w", i, err)
			}
			if len(vecs) != len(texts) {
				return fn.Errf[EmbeddedRecords]("ingest: embed batch at offset %d: got %d embeddings for %d texts", i, len(vecs), len(texts))
			}
			embeddings = append(embeddings, vecs...)
		}
		return fn.Ok(EmbeddedRecords{Records: recs, Embeddings: embeddings})
	}
}

// buildDocuments pairs records with embeddings positionally.
func buildDocuments(er EmbeddedRecords) ([]store.Document, error) {
	if len(er.Records) != len(er.Embeddings) {
		return nil, fmt.Errorf("ingest: %d records but %d embeddings", len(er.Records), len(er.Embeddings))
	}
	docs := make([]store.Document, len(er.Records))
	for i, r := range er.Records {
		docs[i] = store.Document{
			ID:     DocumentID(r),
			Fields: r.Fields(),
			Vector: er.Embeddings[i],
		}
	}
	return docs, nil
}

// NewStore creates a stage that writes embedded records to the vector
// store in batches, clamped to the store's declared batch cap.
func NewStore(deps Deps) fn.Stage[EmbeddedRecords, Report] {
	cfg := deps.Config.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	insert := func(ctx context.Context, batch []store.Document) fn.Result[[]string] {
		if deps.Breaker == nil {
			return fn.FromPair(deps.Store.InsertMany(ctx, batch))
		}
		var ids []string
		err := deps.Breaker.Call(ctx, func(ctx context.Context) error {
			var callErr error
			ids, callErr = deps.Store.InsertMany(ctx, batch)
			return callErr
		})
		if err != nil {
			return fn.Err[[]string](err)
		}
		return fn.Ok(ids)
	}

	insertBatch := func(ctx context.Context, offset int, batch []store.Document) fn.Result[BatchResult] {
		var r fn.Result[[]string]
		if cfg.Retry != nil {
			r = fn.Retry(ctx, *cfg.Retry, func(ctx context.Context) fn.Result[[]string] {
				return insert(ctx, batch)
			})
		} else {
			r = insert(ctx, batch)
		}
		ids, err := r.Unwrap()
		if err != nil {
			return fn.Errf[BatchResult]("ingest: insert batch at offset %d: %w", offset, err)
		}
		return fn.Ok(BatchResult{Offset: offset, Size: len(batch), IDs: ids})
	}

	return func(ctx context.Context, er EmbeddedRecords) fn.Result[Report] {
		docs, err := buildDocuments(er)
		if err != nil {
			return fn.Err[Report](err)
		}
		if len(docs) == 0 {
			return fn.Ok(Report{})
		}

		if deps.Graph != nil {
			qs := make([]graph.Question, len(er.Records))
			for i, r := range er.Records {
				qs[i] = graph.Question{ID: docs[i].ID, Text: r.Question, Title: r.Title}
			}
			if err := deps.Graph.SaveQuestions(ctx, qs); err != nil {
				log.Warn("ingest: graph save", "error", err, "records", len(qs))
			}
		}

		size := cfg.InsertBatchSize
		if storeCap := deps.Store.MaxBatch(); storeCap > 0 && size > storeCap {
			size = storeCap
		}
		batches := fn.Chunk(docs, size)

		var results []fn.Result[BatchResult]
		if cfg.InsertWorkers > 1 {
			offsets := make([]int, len(batches))
			for i := range batches {
				offsets[i] = i * size
			}
			results = fn.ParMapResult(offsets, cfg.InsertWorkers, func(offset int) fn.Result[BatchResult] {
				return insertBatch(ctx, offset, batches[offset/size])
			})
		} else {
			for i, batch := range batches {
				r := insertBatch(ctx, i*size, batch)
				results = append(results, r)
				if r.IsErr() {
					break
				}
			}
		}

		done, err := fn.Collect(results).Unwrap()
		if err != nil {
			return fn.Err[Report](err)
		}
		return fn.Ok(Report{Records: len(er.Records), Batches: done})
	}
}

// LoggedTap returns a stage that logs entry and exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Info("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages
// wired: Validate, Embed, Store, with logging taps between them.
func NewPipeline(deps Deps) fn.Stage[[]domain.Record, Report] {
	cfg := deps.Config.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	validated := fn.Then(LoggedTap[[]domain.Record]("validate", log), Validate)
	embedded := fn.Then(validated, fn.Then(LoggedTap[[]domain.Record]("embed", log), NewEmbed(deps.Embedder, cfg.EmbedBatchSize)))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedRecords]("store", log), NewStore(deps)))

	return stored
}
