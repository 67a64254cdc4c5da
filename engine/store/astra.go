package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultKeyspace is the namespace Astra provisions with every database.
	DefaultKeyspace = "default_keyspace"
	// astraMaxBatch is the Data API's insertMany document limit per call.
	astraMaxBatch = 20

	vectorField     = "$vector"
	similarityField = "$similarity"
)

// Astra talks to the DataStax Astra Data API (JSON over HTTP).
type Astra struct {
	endpoint   string
	token      string
	keyspace   string
	collection string
	dims       int
	httpc      *http.Client
}

// AstraOption configures an Astra store.
type AstraOption func(*Astra)

// WithKeyspace selects a keyspace other than default_keyspace.
func WithKeyspace(ks string) AstraOption {
	return func(a *Astra) { a.keyspace = ks }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) AstraOption {
	return func(a *Astra) { a.httpc = h }
}

// WithDimension declares the collection dimension up front, enabling
// client-side vector checks without an EnsureCollection call.
func WithDimension(dims int) AstraOption {
	return func(a *Astra) { a.dims = dims }
}

// NewAstra builds a store over one collection of an Astra database.
// The endpoint is the database's API endpoint URL; the token is an
// application token with write access.
func NewAstra(endpoint, token, collection string, opts ...AstraOption) (*Astra, error) {
	if endpoint == "" {
		return nil, errors.New("store: astra endpoint required")
	}
	if token == "" {
		return nil, errors.New("store: astra token required")
	}
	if collection == "" {
		return nil, errors.New("store: astra collection required")
	}
	a := &Astra{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		keyspace:   DefaultKeyspace,
		collection: collection,
		httpc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// apiResponse is the Data API envelope; any combination of the three
// sections may be present, including errors next to a 200 status.
type apiResponse struct {
	Status *struct {
		OK          int   `json:"ok"`
		InsertedIDs []any `json:"insertedIds"`
	} `json:"status"`
	Data *struct {
		Documents []map[string]any `json:"documents"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func (a *Astra) keyspaceURL() string {
	return fmt.Sprintf("%s/api/json/v1/%s", a.endpoint, a.keyspace)
}

func (a *Astra) collectionURL() string {
	return fmt.Sprintf("%s/api/json/v1/%s/%s", a.endpoint, a.keyspace, a.collection)
}

// post sends one Data API command and decodes the envelope, surfacing both
// transport-level failures and in-band errors.
func (a *Astra) post(ctx context.Context, url string, command any) (*apiResponse, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("store: astra marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("store: astra build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", a.token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: astra request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store: astra read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("store: astra status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return nil, fmt.Errorf("store: astra decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		return &envelope, fmt.Errorf("store: astra %s: %s", first.ErrorCode, first.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store: astra status %d", resp.StatusCode)
	}
	return &envelope, nil
}

// EnsureCollection creates the vector collection with cosine similarity.
// Creating an existing collection with the same options is a no-op on the
// server; a different dimension comes back as an error.
func (a *Astra) EnsureCollection(ctx context.Context, dims int) error {
	command := map[string]any{
		"createCollection": map[string]any{
			"name": a.collection,
			"options": map[string]any{
				"vector": map[string]any{
					"dimension": dims,
					"metric":    "cosine",
				},
			},
		},
	}
	if _, err := a.post(ctx, a.keyspaceURL(), command); err != nil {
		return fmt.Errorf("store: create collection %s: %w", a.collection, err)
	}
	a.dims = dims
	return nil
}

// DeleteCollection drops the collection and everything in it.
func (a *Astra) DeleteCollection(ctx context.Context) error {
	command := map[string]any{
		"deleteCollection": map[string]any{"name": a.collection},
	}
	if _, err := a.post(ctx, a.keyspaceURL(), command); err != nil {
		return fmt.Errorf("store: delete collection %s: %w", a.collection, err)
	}
	return nil
}

// InsertMany writes one batch of documents in a single ordered insertMany
// call and returns the inserted ids. Batches over MaxBatch and vectors of
// the wrong dimension are rejected before the request is sent.
func (a *Astra) InsertMany(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > astraMaxBatch {
		return nil, fmt.Errorf("store: %d documents exceeds insertMany limit %d: %w", len(docs), astraMaxBatch, ErrBatchTooLarge)
	}
	if err := checkDocuments(docs, a.dims); err != nil {
		return nil, fmt.Errorf("store: insert: %w", err)
	}

	payload := make([]map[string]any, len(docs))
	for i, d := range docs {
		doc := make(map[string]any, len(d.Fields)+2)
		for k, v := range d.Fields {
			doc[k] = v
		}
		doc["_id"] = d.ID
		doc[vectorField] = d.Vector
		payload[i] = doc
	}

	command := map[string]any{
		"insertMany": map[string]any{
			"documents": payload,
			"options":   map[string]any{"ordered": true},
		},
	}
	envelope, err := a.post(ctx, a.collectionURL(), command)
	if err != nil {
		return nil, fmt.Errorf("store: insert %d documents: %w", len(docs), err)
	}
	if envelope.Status == nil {
		return nil, fmt.Errorf("store: insert: no status in response")
	}

	ids := make([]string, 0, len(envelope.Status.InsertedIDs))
	for _, id := range envelope.Status.InsertedIDs {
		ids = append(ids, fmt.Sprint(id))
	}
	return ids, nil
}

// Search runs a vector similarity find, returning up to limit documents
// ranked by decreasing similarity.
func (a *Astra) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if err := checkVector(vector, a.dims); err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}

	command := map[string]any{
		"find": map[string]any{
			"sort": map[string]any{vectorField: vector},
			"options": map[string]any{
				"limit":             limit,
				"includeSimilarity": true,
			},
		},
	}
	envelope, err := a.post(ctx, a.collectionURL(), command)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("store: search: no data in response")
	}

	matches := make([]Match, 0, len(envelope.Data.Documents))
	for _, doc := range envelope.Data.Documents {
		m := Match{Document: Document{Fields: make(map[string]any, len(doc))}}
		for k, v := range doc {
			switch k {
			case "_id":
				m.ID = fmt.Sprint(v)
			case similarityField:
				if f, ok := v.(float64); ok {
					m.Score = float32(f)
				}
			case vectorField:
				// not requested; skip if a projection returns it anyway
			default:
				m.Fields[k] = v
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// MaxBatch reports the Data API insertMany limit.
func (a *Astra) MaxBatch() int { return astraMaxBatch }

// Close releases idle connections.
func (a *Astra) Close() error {
	a.httpc.CloseIdleConnections()
	return nil
}
