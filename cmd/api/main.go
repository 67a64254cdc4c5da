// Command api serves the similarity search pipeline over HTTP. It embeds
// incoming queries with Cohere, searches the configured vector store and
// returns ranked matches as JSON, optionally decorated with related
// questions from Neo4j.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/search"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/cohere"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/mid"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/resilience"
)

// Config holds everything the API needs from the environment.
type Config struct {
	Port       string
	Backend    string
	Collection string
	Keyspace   string

	AstraEndpoint string
	AstraToken    string
	QdrantAddr    string

	CohereKey   string
	CohereModel string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string
	UseGraph  bool

	CORSOrigin string
	RateRPS    float64
	TopK       int
}

func loadConfig() Config {
	rps, _ := strconv.ParseFloat(envOr("RATE_RPS", "10"), 64)
	topK, _ := strconv.Atoi(envOr("SEARCH_TOP_K", "50"))
	return Config{
		Port:          envOr("PORT", "8080"),
		Backend:       envOr("VECTOR_BACKEND", "astra"),
		Collection:    envOr("COLLECTION", "qa_memory"),
		Keyspace:      os.Getenv("ASTRA_DB_KEYSPACE"),
		AstraEndpoint: os.Getenv("ASTRA_DB_API_ENDPOINT"),
		AstraToken:    os.Getenv("ASTRA_DB_APPLICATION_TOKEN"),
		QdrantAddr:    envOr("QDRANT_URL", "localhost:6334"),
		CohereKey:     os.Getenv("COHERE_API_KEY"),
		CohereModel:   os.Getenv("COHERE_MODEL"),
		Neo4jURL:      envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:     envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:     envOr("NEO4J_PASS", "password"),
		UseGraph:      envOr("USE_GRAPH", "false") == "true",
		CORSOrigin:    envOr("CORS_ORIGIN", "*"),
		RateRPS:       rps,
		TopK:          topK,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CohereKey == "" {
		return errors.New("COHERE_API_KEY is required")
	}
	copts := []cohere.Option{}
	if cfg.CohereModel != "" {
		copts = append(copts, cohere.WithModel(cfg.CohereModel))
	}
	embedder, err := cohere.New(cfg.CohereKey, copts...)
	if err != nil {
		return fmt.Errorf("cohere setup: %w", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("store setup: %w", err)
	}
	defer st.Close()

	var relatedSrc search.RelatedSource
	if cfg.UseGraph {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j setup: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("neo4j connectivity: %w", err)
		}
		defer driver.Close(ctx)
		relatedSrc = graph.New(driver)
	}

	svc := search.New(embedder, st, relatedSrc, search.Options{
		Limit:    cfg.TopK,
		UseGraph: cfg.UseGraph,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", handleSearch(svc, logger))

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateRPS, Burst: int(cfg.RateRPS) + 1})
	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(limiter),
		mid.OTel("search-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.Port, "backend", cfg.Backend, "graph", cfg.UseGraph)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func buildStore(cfg Config) (store.Store, error) {
	switch cfg.Backend {
	case "astra":
		var opts []store.AstraOption
		if cfg.Keyspace != "" {
			opts = append(opts, store.WithKeyspace(cfg.Keyspace))
		}
		return store.NewAstra(cfg.AstraEndpoint, cfg.AstraToken, cfg.Collection, opts...)
	case "qdrant":
		return store.NewQdrant(cfg.QdrantAddr, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown backend %q (want astra or qdrant)", cfg.Backend)
	}
}

// querier is the slice of the search service the handlers need.
type querier interface {
	Query(ctx context.Context, query string) ([]search.Result, error)
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []search.Result `json:"results"`
	Count   int             `json:"count"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleSearch(svc querier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			http.Error(w, `{"error":"query required"}`, http.StatusBadRequest)
			return
		}

		results, err := svc.Query(r.Context(), req.Query)
		if err != nil {
			logger.Error("search failed", "error", err)
			http.Error(w, `{"error":"search failed"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResponse{Results: results, Count: len(results)})
	}
}
