// Package store persists embedded records in a vector-capable document
// store and answers similarity queries over them. Two backends implement
// the same contract: Astra (DataStax Data API over HTTP) and Qdrant (gRPC).
package store

import (
	"context"
	"errors"
	"fmt"
)

// Document is one record's stored form: its flattened fields plus the
// embedding vector, under a store-level identifier.
type Document struct {
	ID     string
	Fields map[string]any
	Vector []float32
}

// Match is one similarity-search hit. Score is the backend's similarity,
// higher meaning closer.
type Match struct {
	Document
	Score float32
}

// Store is the document-store contract. EnsureCollection fixes the vector
// dimension; every later insert and search is checked against it on the
// client before any network call.
type Store interface {
	EnsureCollection(ctx context.Context, dims int) error
	DeleteCollection(ctx context.Context) error
	InsertMany(ctx context.Context, docs []Document) ([]string, error)
	Search(ctx context.Context, vector []float32, limit int) ([]Match, error)
	// MaxBatch is the backend's per-call insertion cap; 0 means unbounded.
	MaxBatch() int
	Close() error
}

var (
	// ErrDimensionMismatch reports a vector whose length differs from the
	// collection's declared dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrBatchTooLarge reports an InsertMany call exceeding MaxBatch.
	ErrBatchTooLarge = errors.New("batch exceeds insertion limit")
)

// checkVector validates one vector against the declared dimension.
// A zero dims means the dimension is not yet known and nothing is checked.
func checkVector(vec []float32, dims int) error {
	if dims > 0 && len(vec) != dims {
		return fmt.Errorf("got %d dimensions, want %d: %w", len(vec), dims, ErrDimensionMismatch)
	}
	return nil
}

// checkDocuments validates every document vector before an insertion call.
func checkDocuments(docs []Document, dims int) error {
	for i, d := range docs {
		if err := checkVector(d.Vector, dims); err != nil {
			return fmt.Errorf("document %d (%s): %w", i, d.ID, err)
		}
	}
	return nil
}
