package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// astraCall is one recorded Data API request.
type astraCall struct {
	path string
	body map[string]any
}

// astraServer fakes the Data API, recording every command it receives.
func astraServer(t *testing.T, respond func(call astraCall) any) (*httptest.Server, *[]astraCall) {
	t.Helper()
	var calls []astraCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Token"); got != "AstraCS:test-token" {
			t.Errorf("token header: %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		call := astraCall{path: r.URL.Path, body: body}
		calls = append(calls, call)
		json.NewEncoder(w).Encode(respond(call))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func okStatus(astraCall) any {
	return map[string]any{"status": map[string]any{"ok": 1}}
}

func newTestAstra(t *testing.T, srv *httptest.Server, opts ...AstraOption) *Astra {
	t.Helper()
	a, err := NewAstra(srv.URL, "AstraCS:test-token", "qa_memory", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAstraValidation(t *testing.T) {
	tests := []struct {
		name                        string
		endpoint, token, collection string
	}{
		{"no endpoint", "", "tok", "col"},
		{"no token", "http://db", "", "col"},
		{"no collection", "http://db", "tok", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAstra(tt.endpoint, tt.token, tt.collection); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnsureCollectionCommand(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv)

	if err := a.EnsureCollection(context.Background(), 1024); err != nil {
		t.Fatal(err)
	}

	if len(*calls) != 1 {
		t.Fatalf("got %d calls", len(*calls))
	}
	call := (*calls)[0]
	if call.path != "/api/json/v1/default_keyspace" {
		t.Errorf("path: %s", call.path)
	}
	create := call.body["createCollection"].(map[string]any)
	if create["name"] != "qa_memory" {
		t.Errorf("name: %v", create["name"])
	}
	vector := create["options"].(map[string]any)["vector"].(map[string]any)
	if vector["dimension"].(float64) != 1024 {
		t.Errorf("dimension: %v", vector["dimension"])
	}
	if vector["metric"] != "cosine" {
		t.Errorf("metric: %v", vector["metric"])
	}
}

func TestEnsureCollectionConflict(t *testing.T) {
	srv, _ := astraServer(t, func(astraCall) any {
		return map[string]any{"errors": []map[string]any{{
			"message":   "unsupported dimension change",
			"errorCode": "INVALID_COLLECTION_OPTIONS",
		}}}
	})
	a := newTestAstra(t, srv)

	err := a.EnsureCollection(context.Background(), 384)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteCollectionCommand(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv)

	if err := a.DeleteCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	del := (*calls)[0].body["deleteCollection"].(map[string]any)
	if del["name"] != "qa_memory" {
		t.Errorf("name: %v", del["name"])
	}
}

func testDocs(n, dims int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		vec := make([]float32, dims)
		vec[0] = float32(i)
		docs[i] = Document{
			ID:     "00000000-0000-0000-0000-00000000000" + string(rune('a'+i%26)),
			Fields: map[string]any{"question": "Q?", "title": "T"},
			Vector: vec,
		}
	}
	return docs
}

func TestInsertMany(t *testing.T) {
	srv, calls := astraServer(t, func(call astraCall) any {
		docs := call.body["insertMany"].(map[string]any)["documents"].([]any)
		ids := make([]any, len(docs))
		for i, d := range docs {
			ids[i] = d.(map[string]any)["_id"]
		}
		return map[string]any{"status": map[string]any{"insertedIds": ids}}
	})
	a := newTestAstra(t, srv, WithDimension(4))

	docs := testDocs(3, 4)
	ids, err := a.InsertMany(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids", len(ids))
	}
	for i := range docs {
		if ids[i] != docs[i].ID {
			t.Errorf("id %d: got %s, want %s", i, ids[i], docs[i].ID)
		}
	}

	call := (*calls)[0]
	if call.path != "/api/json/v1/default_keyspace/qa_memory" {
		t.Errorf("path: %s", call.path)
	}
	insert := call.body["insertMany"].(map[string]any)
	if ordered := insert["options"].(map[string]any)["ordered"]; ordered != true {
		t.Errorf("ordered: %v", ordered)
	}
	sent := insert["documents"].([]any)
	first := sent[0].(map[string]any)
	if first["_id"] != docs[0].ID {
		t.Errorf("_id: %v", first["_id"])
	}
	if first["question"] != "Q?" {
		t.Errorf("fields not flattened: %v", first)
	}
	if _, ok := first["$vector"]; !ok {
		t.Error("$vector missing")
	}
}

func TestInsertManyRejectsOversizeBatch(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv)

	_, err := a.InsertMany(context.Background(), testDocs(21, 4))
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("got %v, want ErrBatchTooLarge", err)
	}
	if len(*calls) != 0 {
		t.Fatal("oversize batch must not reach the API")
	}
}

func TestInsertManyRejectsWrongDimension(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv)

	if err := a.EnsureCollection(context.Background(), 8); err != nil {
		t.Fatal(err)
	}
	_, err := a.InsertMany(context.Background(), testDocs(2, 4))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
	if len(*calls) != 1 { // only the createCollection call
		t.Fatalf("mismatched batch must not reach the API, got %d calls", len(*calls))
	}
}

func TestInsertManyEmpty(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv)

	ids, err := a.InsertMany(context.Background(), nil)
	if err != nil || ids != nil {
		t.Fatalf("got (%v, %v)", ids, err)
	}
	if len(*calls) != 0 {
		t.Fatal("empty batch must not reach the API")
	}
}

func TestInsertManyAPIError(t *testing.T) {
	srv, _ := astraServer(t, func(astraCall) any {
		return map[string]any{"errors": []map[string]any{{
			"message":   "Document already exists with the given _id",
			"errorCode": "DOCUMENT_ALREADY_EXISTS",
		}}}
	})
	a := newTestAstra(t, srv, WithDimension(4))

	if _, err := a.InsertMany(context.Background(), testDocs(1, 4)); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch(t *testing.T) {
	srv, calls := astraServer(t, func(astraCall) any {
		return map[string]any{"data": map[string]any{"documents": []map[string]any{
			{"_id": "doc-1", "question": "Q1?", "$similarity": 0.97},
			{"_id": "doc-2", "question": "Q2?", "$similarity": 0.85},
		}}}
	})
	a := newTestAstra(t, srv, WithDimension(4))

	matches, err := a.Search(context.Background(), []float32{1, 0, 0, 0}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0].ID != "doc-1" || matches[0].Score != 0.97 {
		t.Errorf("first match: %+v", matches[0])
	}
	if matches[1].Score != 0.85 {
		t.Errorf("order not preserved: %+v", matches[1])
	}
	if matches[0].Fields["question"] != "Q1?" {
		t.Errorf("fields: %+v", matches[0].Fields)
	}
	if _, leaked := matches[0].Fields["_id"]; leaked {
		t.Error("_id should not appear in Fields")
	}

	find := (*calls)[0].body["find"].(map[string]any)
	sort := find["sort"].(map[string]any)
	if _, ok := sort["$vector"]; !ok {
		t.Error("sort.$vector missing")
	}
	opts := find["options"].(map[string]any)
	if opts["limit"].(float64) != 50 {
		t.Errorf("limit: %v", opts["limit"])
	}
	if opts["includeSimilarity"] != true {
		t.Errorf("includeSimilarity: %v", opts["includeSimilarity"])
	}
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv, WithDimension(8))

	_, err := a.Search(context.Background(), []float32{1, 2}, 10)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
	if len(*calls) != 0 {
		t.Fatal("mismatched query must not reach the API")
	}
}

func TestWithKeyspace(t *testing.T) {
	srv, calls := astraServer(t, okStatus)
	a := newTestAstra(t, srv, WithKeyspace("vector_ks"))

	if err := a.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatal(err)
	}
	if got := (*calls)[0].path; got != "/api/json/v1/vector_ks" {
		t.Errorf("path: %s", got)
	}
}

func TestAstraMaxBatch(t *testing.T) {
	srv, _ := astraServer(t, okStatus)
	a := newTestAstra(t, srv)
	if a.MaxBatch() != 20 {
		t.Fatalf("got %d", a.MaxBatch())
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
