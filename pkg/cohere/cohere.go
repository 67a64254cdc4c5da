// Package cohere provides a client for the Cohere v2 embed API. Documents
// and queries are embedded with distinct input types so the model places
// them in the same vector space from the right side of the retrieval task.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the hosted Cohere API.
	DefaultBaseURL = "https://api.cohere.com"
	// DefaultModel produces 1024-dimensional embeddings.
	DefaultModel = "embed-english-v3.0"
	// MaxTextsPerCall is the API's per-request text limit.
	MaxTextsPerCall = 96
)

// InputType tells the model which side of retrieval a text belongs to.
type InputType string

const (
	InputSearchDocument InputType = "search_document"
	InputSearchQuery    InputType = "search_query"
)

// Truncate selects which end of an over-long text the API discards.
// TruncateNone makes over-long texts an error instead.
type Truncate string

const (
	TruncateEnd   Truncate = "END"
	TruncateStart Truncate = "START"
	TruncateNone  Truncate = "NONE"
)

// ErrTooManyTexts is returned before any network call when a batch exceeds
// MaxTextsPerCall.
var ErrTooManyTexts = errors.New("too many texts for one embed call")

// APIError is a non-2xx response from the embed API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cohere: status %d: %s", e.Status, e.Message)
}

// Client calls the v2 embed endpoint.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	truncate Truncate
	httpc    *http.Client
	limiter  *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithModel overrides the embedding model.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// WithTruncate sets the truncation policy sent with every request.
func WithTruncate(t Truncate) Option {
	return func(c *Client) { c.truncate = t }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a Client. The API key is required.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("cohere: api key required")
	}
	c := &Client{
		baseURL:  DefaultBaseURL,
		apiKey:   apiKey,
		model:    DefaultModel,
		truncate: TruncateEnd,
		httpc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Model reports the model name requests are sent with.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	Truncate       string   `json:"truncate,omitempty"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type embedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

type apiErrorBody struct {
	Message string `json:"message"`
}

// Embed returns one vector per input text, in input order. At most
// MaxTextsPerCall texts fit in one call; larger batches are rejected
// before the request is sent.
func (c *Client) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("cohere: no texts to embed")
	}
	if len(texts) > MaxTextsPerCall {
		return nil, fmt.Errorf("cohere: %d texts exceeds limit %d: %w", len(texts), MaxTextsPerCall, ErrTooManyTexts)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("cohere: rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(embedRequest{
		Model:          c.model,
		Texts:          texts,
		InputType:      string(input),
		Truncate:       string(c.truncate),
		EmbeddingTypes: []string{"float"},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, &APIError{Status: resp.StatusCode, Message: apiErr.Message}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}
	if len(out.Embeddings.Float) != len(texts) {
		return nil, fmt.Errorf("cohere: got %d embeddings for %d texts", len(out.Embeddings.Float), len(texts))
	}
	return out.Embeddings.Float, nil
}

// EmbedDocuments embeds texts for indexing.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Embed(ctx, texts, InputSearchDocument)
}

// EmbedQuery embeds a single search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text}, InputSearchQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
