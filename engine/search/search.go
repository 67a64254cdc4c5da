// Package search runs the similarity query pipeline. It embeds a user
// query, searches the vector store for the nearest stored questions,
// and optionally attaches related questions from the article graph.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/fn"
)

// Embedder turns a query text into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher abstracts vector similarity search.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]store.Match, error)
}

// RelatedSource optionally supplies related questions for an article.
type RelatedSource interface {
	RelatedQuestions(ctx context.Context, title, excludeID string, limit int) ([]graph.Question, error)
}

// Options configures the query pipeline behaviour.
type Options struct {
	Limit             int
	RelatedPerArticle int
	UseGraph          bool
	SearchTimeout     time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Limit:             50,
		RelatedPerArticle: 3,
		UseGraph:          true,
		SearchTimeout:     10 * time.Second,
	}
}

// Result is one ranked hit from the query pipeline.
type Result struct {
	ID       string           `json:"id"`
	Question string           `json:"question"`
	Title    string           `json:"title,omitempty"`
	Context  string           `json:"context,omitempty"`
	Answers  domain.Answers   `json:"answers"`
	Score    float32          `json:"score"`
	Related  []graph.Question `json:"related,omitempty"`
}

// Service is the query orchestration service.
type Service struct {
	embed  Embedder
	search Searcher
	graph  RelatedSource
	opts   Options
	logger *slog.Logger
}

// New creates a query Service. The related source may be nil when graph
// enrichment is not configured.
func New(embed Embedder, searcher Searcher, related RelatedSource, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultOptions().Limit
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Service{
		embed:  embed,
		search: searcher,
		graph:  related,
		opts:   opts,
		logger: logger,
	}
}

// Query embeds the query text and returns the ranked nearest matches.
func (s *Service) Query(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search: empty query")
	}
	s.logger.Info("search query start", "query_len", len(query))

	vec, err := s.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	matches, err := s.search.Search(searchCtx, vec, s.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: similarity search: %w", err)
	}
	s.logger.Info("search done", "results", len(matches))

	results := fn.Map(matches, resultFromMatch)
	if s.opts.UseGraph && s.graph != nil {
		s.attachRelated(ctx, results)
	}
	return results, nil
}

// attachRelated fetches related questions once per article title and
// distributes them across results. Failures are logged and skipped.
func (s *Service) attachRelated(ctx context.Context, results []Result) {
	titles := fn.Unique(fn.Filter(
		fn.Map(results, func(r Result) string { return r.Title }),
		func(t string) bool { return t != "" },
	))

	byTitle := make(map[string][]graph.Question, len(titles))
	for _, title := range titles {
		// One extra so the result's own question can be dropped below.
		qs, err := s.graph.RelatedQuestions(ctx, title, "", s.opts.RelatedPerArticle+1)
		if err != nil {
			s.logger.Warn("search: graph enrichment failed, continuing without", "err", err, "title", title)
			continue
		}
		byTitle[title] = qs
	}

	for i := range results {
		qs := byTitle[results[i].Title]
		if len(qs) == 0 {
			continue
		}
		own := results[i].ID
		related := fn.Filter(qs, func(q graph.Question) bool { return q.ID != own })
		if len(related) > s.opts.RelatedPerArticle {
			related = related[:s.opts.RelatedPerArticle]
		}
		results[i].Related = related
	}
}

func resultFromMatch(m store.Match) Result {
	return Result{
		ID:       m.ID,
		Question: strField(m.Fields, "question"),
		Title:    strField(m.Fields, "title"),
		Context:  strField(m.Fields, "context"),
		Answers:  answersFromField(m.Fields["answers"]),
		Score:    m.Score,
	}
}

func strField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// answersFromField decodes the stored answers map. Integer offsets
// arrive as float64 from the Data API and int64 from the gRPC store.
func answersFromField(v any) domain.Answers {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.Answers{}
	}
	var a domain.Answers
	if texts, ok := m["text"].([]any); ok {
		for _, t := range texts {
			if s, ok := t.(string); ok {
				a.Text = append(a.Text, s)
			}
		}
	}
	if starts, ok := m["answer_start"].([]any); ok {
		for _, raw := range starts {
			switch n := raw.(type) {
			case float64:
				a.AnswerStart = append(a.AnswerStart, int(n))
			case int64:
				a.AnswerStart = append(a.AnswerStart, int(n))
			case int:
				a.AnswerStart = append(a.AnswerStart, n)
			}
		}
	}
	return a
}
