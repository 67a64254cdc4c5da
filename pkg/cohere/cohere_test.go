package cohere

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// embedServer fakes the /v2/embed endpoint, recording the last request body.
func embedServer(t *testing.T, status int, respond func(req embedRequest) embedResponse) (*httptest.Server, *embedRequest) {
	t.Helper()
	var last embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(respond(last))
		} else {
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid api token"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func echoVectors(req embedRequest) embedResponse {
	var resp embedResponse
	resp.ID = "emb-1"
	resp.Embeddings.Float = make([][]float32, len(req.Texts))
	for i := range req.Texts {
		resp.Embeddings.Float[i] = []float32{float32(i), float32(i) + 0.5}
	}
	return resp
}

func TestEmbedDocuments(t *testing.T) {
	srv, last := embedServer(t, http.StatusOK, echoVectors)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := c.EmbedDocuments(context.Background(), []string{"first", "second", "third"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if vecs[2][0] != 2 {
		t.Fatalf("order not preserved: %v", vecs)
	}

	if last.Model != DefaultModel {
		t.Errorf("model: %q", last.Model)
	}
	if last.InputType != "search_document" {
		t.Errorf("input_type: %q", last.InputType)
	}
	if last.Truncate != "END" {
		t.Errorf("truncate: %q", last.Truncate)
	}
	if len(last.EmbeddingTypes) != 1 || last.EmbeddingTypes[0] != "float" {
		t.Errorf("embedding_types: %v", last.EmbeddingTypes)
	}
}

func TestEmbedQuery(t *testing.T) {
	srv, last := embedServer(t, http.StatusOK, echoVectors)
	c, _ := New("test-key", WithBaseURL(srv.URL))

	vec, err := c.EmbedQuery(context.Background(), "what is the capital?")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 2 {
		t.Fatalf("got %v", vec)
	}
	if last.InputType != "search_query" {
		t.Errorf("input_type: %q", last.InputType)
	}
	if len(last.Texts) != 1 {
		t.Errorf("texts: %v", last.Texts)
	}
}

func TestEmbedOptions(t *testing.T) {
	srv, last := embedServer(t, http.StatusOK, echoVectors)
	c, _ := New("test-key",
		WithBaseURL(srv.URL),
		WithModel("embed-english-light-v3.0"),
		WithTruncate(TruncateNone),
	)

	if _, err := c.EmbedDocuments(context.Background(), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if last.Model != "embed-english-light-v3.0" {
		t.Errorf("model: %q", last.Model)
	}
	if last.Truncate != "NONE" {
		t.Errorf("truncate: %q", last.Truncate)
	}
}

func TestEmbedTooManyTexts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("oversize batch must not reach the API")
	}))
	defer srv.Close()
	c, _ := New("test-key", WithBaseURL(srv.URL))

	texts := make([]string, MaxTextsPerCall+1)
	for i := range texts {
		texts[i] = "t"
	}
	_, err := c.EmbedDocuments(context.Background(), texts)
	if !errors.Is(err, ErrTooManyTexts) {
		t.Fatalf("got %v, want ErrTooManyTexts", err)
	}
}

func TestEmbedEmpty(t *testing.T) {
	c, _ := New("test-key")
	if _, err := c.EmbedDocuments(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestEmbedAPIError(t *testing.T) {
	srv, _ := embedServer(t, http.StatusUnauthorized, nil)
	c, _ := New("test-key", WithBaseURL(srv.URL))

	_, err := c.EmbedDocuments(context.Background(), []string{"x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "invalid api token" {
		t.Fatalf("got %+v", apiErr)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv, _ := embedServer(t, http.StatusOK, func(req embedRequest) embedResponse {
		var resp embedResponse
		resp.Embeddings.Float = [][]float32{{1}} // one vector for two texts
		return resp
	})
	c, _ := New("test-key", WithBaseURL(srv.URL))

	if _, err := c.Embed(context.Background(), []string{"a", "b"}, InputSearchDocument); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for missing key")
	}
}
