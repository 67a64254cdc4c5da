// Package dataset loads question-answering records from local files so the
// ingest pipeline stays independent of where records come from.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
)

// Source yields the records to ingest.
type Source interface {
	Records(ctx context.Context) ([]domain.Record, error)
}

// Slice is an in-memory Source.
type Slice []domain.Record

func (s Slice) Records(context.Context) ([]domain.Record, error) {
	return s, nil
}

// FileSource reads records from a JSON file: either one top-level array or
// JSON Lines with one record per line.
type FileSource struct {
	path  string
	limit int
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithLimit caps how many records are read; 0 means all.
func WithLimit(n int) FileOption {
	return func(s *FileSource) { s.limit = n }
}

// NewFileSource creates a source over the file at path.
func NewFileSource(path string, opts ...FileOption) *FileSource {
	s := &FileSource{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *FileSource) Records(ctx context.Context) ([]domain.Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", s.path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := firstNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("dataset: read %s: %w", s.path, err)
	}

	var records []domain.Record
	if first == '[' {
		records, err = decodeArray(br)
	} else {
		records, err = decodeLines(ctx, br)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", s.path, err)
	}

	if s.limit > 0 && len(records) > s.limit {
		records = records[:s.limit]
	}
	return records, nil
}

// firstNonSpace peeks past leading whitespace without consuming input.
func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			if err := br.UnreadByte(); err != nil {
				return 0, err
			}
			return b, nil
		}
	}
}

func decodeArray(r io.Reader) ([]domain.Record, error) {
	var records []domain.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeLines(ctx context.Context, r io.Reader) ([]domain.Record, error) {
	var records []domain.Record
	dec := json.NewDecoder(r)
	for line := 0; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec domain.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
}
