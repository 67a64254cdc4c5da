package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
)

type mockEmbedder struct {
	vec       []float32
	err       error
	lastQuery string
	calls     int
}

func (m *mockEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	m.calls++
	m.lastQuery = text
	return m.vec, m.err
}

type mockSearcher struct {
	matches   []store.Match
	err       error
	lastVec   []float32
	lastLimit int
}

func (m *mockSearcher) Search(_ context.Context, vec []float32, limit int) ([]store.Match, error) {
	m.lastVec = vec
	m.lastLimit = limit
	return m.matches, m.err
}

type mockRelated struct {
	byTitle   map[string][]graph.Question
	err       error
	titles    []string
	lastLimit int
}

func (m *mockRelated) RelatedQuestions(_ context.Context, title, _ string, limit int) ([]graph.Question, error) {
	m.titles = append(m.titles, title)
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.byTitle[title], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleMatches() []store.Match {
	return []store.Match{
		{
			Document: store.Document{
				ID: "doc-1",
				Fields: map[string]any{
					"question": "In what country is Normandy located?",
					"title":    "Normans",
					"context":  "The Normans were the people...",
					"answers":  map[string]any{"text": []any{"France"}, "answer_start": []any{float64(159)}},
				},
			},
			Score: 0.93,
		},
		{
			Document: store.Document{
				ID: "doc-2",
				Fields: map[string]any{
					"question": "When were the Normans in Normandy?",
					"title":    "Normans",
					"answers":  map[string]any{"text": []any{"10th and 11th centuries"}, "answer_start": []any{int64(87)}},
				},
			},
			Score: 0.81,
		},
	}
}

func TestQueryEmbedsAndSearches(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 2, 3}}
	searcher := &mockSearcher{matches: sampleMatches()}
	svc := New(emb, searcher, nil, DefaultOptions(), discardLogger())

	results, err := svc.Query(context.Background(), "where is normandy")
	if err != nil {
		t.Fatal(err)
	}

	if emb.lastQuery != "where is normandy" {
		t.Errorf("embedded query: %q", emb.lastQuery)
	}
	if !reflect.DeepEqual(searcher.lastVec, []float32{1, 2, 3}) {
		t.Errorf("searched vector: %v", searcher.lastVec)
	}
	if searcher.lastLimit != 50 {
		t.Errorf("limit: %d", searcher.lastLimit)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	first := results[0]
	if first.ID != "doc-1" || first.Score != 0.93 {
		t.Errorf("first result: %+v", first)
	}
	if first.Question != "In what country is Normandy located?" || first.Title != "Normans" {
		t.Errorf("fields: %+v", first)
	}
	if !reflect.DeepEqual(first.Answers.Text, []string{"France"}) {
		t.Errorf("answers text: %v", first.Answers.Text)
	}
	if !reflect.DeepEqual(first.Answers.AnswerStart, []int{159}) {
		t.Errorf("answer starts: %v", first.Answers.AnswerStart)
	}
	if results[1].Score != 0.81 {
		t.Errorf("order not preserved: %+v", results[1])
	}
	// gRPC store payloads carry int64 offsets.
	if !reflect.DeepEqual(results[1].Answers.AnswerStart, []int{87}) {
		t.Errorf("int64 answer starts: %v", results[1].Answers.AnswerStart)
	}
}

func TestQueryRejectsEmpty(t *testing.T) {
	emb := &mockEmbedder{}
	svc := New(emb, &mockSearcher{}, nil, DefaultOptions(), discardLogger())

	if _, err := svc.Query(context.Background(), "   "); err == nil {
		t.Fatal("expected error")
	}
	if emb.calls != 0 {
		t.Fatal("empty query must not be embedded")
	}
}

func TestQueryEmbedError(t *testing.T) {
	down := errors.New("api down")
	svc := New(&mockEmbedder{err: down}, &mockSearcher{}, nil, DefaultOptions(), discardLogger())

	_, err := svc.Query(context.Background(), "q")
	if !errors.Is(err, down) {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "embed query") {
		t.Fatalf("error lacks stage: %v", err)
	}
}

func TestQuerySearchError(t *testing.T) {
	down := errors.New("store down")
	svc := New(&mockEmbedder{vec: []float32{1}}, &mockSearcher{err: down}, nil, DefaultOptions(), discardLogger())

	_, err := svc.Query(context.Background(), "q")
	if !errors.Is(err, down) {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "similarity search") {
		t.Fatalf("error lacks stage: %v", err)
	}
}

func TestQueryAttachesRelated(t *testing.T) {
	related := &mockRelated{byTitle: map[string][]graph.Question{
		"Normans": {
			{ID: "doc-2", Text: "When were the Normans in Normandy?"},
			{ID: "doc-9", Text: "Who was the Norman leader?"},
			{ID: "doc-10", Text: "What religion were the Normans?"},
			{ID: "doc-11", Text: "What language did they speak?"},
		},
	}}
	svc := New(&mockEmbedder{vec: []float32{1}}, &mockSearcher{matches: sampleMatches()}, related, DefaultOptions(), discardLogger())

	results, err := svc.Query(context.Background(), "normandy")
	if err != nil {
		t.Fatal(err)
	}

	// One graph call per distinct title, asking for one extra.
	if len(related.titles) != 1 || related.titles[0] != "Normans" {
		t.Fatalf("graph calls: %v", related.titles)
	}
	if related.lastLimit != 4 {
		t.Errorf("fetch limit: %d", related.lastLimit)
	}

	// doc-2's related list must not contain doc-2 itself.
	for _, q := range results[1].Related {
		if q.ID == "doc-2" {
			t.Fatal("result lists itself as related")
		}
	}
	if len(results[0].Related) != 3 {
		t.Fatalf("related capped at %d, got %d", 3, len(results[0].Related))
	}
	if len(results[1].Related) != 3 {
		t.Fatalf("related for second result: %d", len(results[1].Related))
	}
}

func TestQueryGraphFailureSkipped(t *testing.T) {
	related := &mockRelated{err: errors.New("neo4j down")}
	svc := New(&mockEmbedder{vec: []float32{1}}, &mockSearcher{matches: sampleMatches()}, related, DefaultOptions(), discardLogger())

	results, err := svc.Query(context.Background(), "normandy")
	if err != nil {
		t.Fatalf("graph failure should not fail the query: %v", err)
	}
	for _, r := range results {
		if r.Related != nil {
			t.Fatalf("related attached despite failure: %+v", r.Related)
		}
	}
}

func TestQueryGraphDisabled(t *testing.T) {
	related := &mockRelated{byTitle: map[string][]graph.Question{"Normans": {{ID: "x"}}}}
	opts := DefaultOptions()
	opts.UseGraph = false
	svc := New(&mockEmbedder{vec: []float32{1}}, &mockSearcher{matches: sampleMatches()}, related, opts, discardLogger())

	if _, err := svc.Query(context.Background(), "normandy"); err != nil {
		t.Fatal(err)
	}
	if len(related.titles) != 0 {
		t.Fatal("graph consulted while disabled")
	}
}

func TestQueryCustomLimit(t *testing.T) {
	searcher := &mockSearcher{}
	opts := DefaultOptions()
	opts.Limit = 5
	svc := New(&mockEmbedder{vec: []float32{1}}, searcher, nil, opts, discardLogger())

	if _, err := svc.Query(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if searcher.lastLimit != 5 {
		t.Errorf("limit: %d", searcher.lastLimit)
	}
}

func TestAnswersFromField(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want domain.Answers
	}{
		{
			"json numbers",
			map[string]any{"text": []any{"France"}, "answer_start": []any{float64(159)}},
			domain.Answers{Text: []string{"France"}, AnswerStart: []int{159}},
		},
		{
			"grpc integers",
			map[string]any{"text": []any{"2009"}, "answer_start": []any{int64(42)}},
			domain.Answers{Text: []string{"2009"}, AnswerStart: []int{42}},
		},
		{"missing", nil, domain.Answers{}},
		{"wrong shape", "not a map", domain.Answers{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := answersFromField(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
