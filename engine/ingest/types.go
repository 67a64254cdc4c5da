package ingest

import (
	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/fn"
)

// EmbeddedRecords pairs records with their embeddings. Embeddings[i] is
// the vector for Records[i].
type EmbeddedRecords struct {
	Records    []domain.Record
	Embeddings [][]float32
}

// BatchResult describes one completed insert call.
type BatchResult struct {
	Offset int
	Size   int
	IDs    []string
}

// Report summarises a completed ingestion run.
type Report struct {
	Records int
	Batches []BatchResult
}

// Inserted returns the total number of stored documents across batches.
func (r Report) Inserted() int {
	return fn.Reduce(r.Batches, 0, func(acc int, b BatchResult) int {
		return acc + len(b.IDs)
	})
}
