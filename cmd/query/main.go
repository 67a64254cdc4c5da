// Command query runs a one-shot similarity search from the terminal. It
// embeds the query text with Cohere, searches the configured vector store
// and prints the ranked matches, optionally decorated with related
// questions from Neo4j.
//
// Usage:
//
//	query -backend astra "When were the Normans in Normandy?"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/datastax/cohere-basic-astradb-integration/engine/graph"
	"github.com/datastax/cohere-basic-astradb-integration/engine/search"
	"github.com/datastax/cohere-basic-astradb-integration/engine/store"
	"github.com/datastax/cohere-basic-astradb-integration/pkg/cohere"
)

func main() {
	var (
		backend    = flag.String("backend", "astra", "vector backend: astra or qdrant")
		collection = flag.String("collection", "qa_memory", "collection name")
		keyspace   = flag.String("keyspace", "", "Astra keyspace (empty uses default_keyspace)")
		qdrantAddr = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		model      = flag.String("model", "", "Cohere embedding model (empty uses the client default)")
		topK       = flag.Int("k", 5, "results to print")
		related    = flag.Int("related", 3, "related questions per result")
		useGraph   = flag.Bool("graph", false, "decorate results with related questions from Neo4j")
		neo4jURL   = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser  = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass  = flag.String("neo4j-pass", "password", "Neo4j password")
		timeout    = flag.Duration("timeout", 15*time.Second, "overall query timeout")
		asJSON     = flag.Bool("json", false, "print raw JSON instead of formatted text")
	)
	flag.Parse()

	_ = godotenv.Load()
	log := slog.Default()

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: query [flags] <question>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	apiKey := os.Getenv("COHERE_API_KEY")
	if apiKey == "" {
		log.Error("COHERE_API_KEY is required")
		os.Exit(1)
	}
	copts := []cohere.Option{}
	if *model != "" {
		copts = append(copts, cohere.WithModel(*model))
	}
	embedder, err := cohere.New(apiKey, copts...)
	if err != nil {
		log.Error("cohere setup failed", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(*backend, *collection, *keyspace, *qdrantAddr)
	if err != nil {
		log.Error("store setup failed", "backend", *backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var relatedSrc search.RelatedSource
	if *useGraph {
		driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
		if err != nil {
			log.Error("neo4j setup failed", "url", *neo4jURL, "error", err)
			os.Exit(1)
		}
		defer driver.Close(ctx)
		relatedSrc = graph.New(driver)
	}

	svc := search.New(embedder, st, relatedSrc, search.Options{
		Limit:             *topK,
		RelatedPerArticle: *related,
		UseGraph:          *useGraph,
		SearchTimeout:     *timeout,
	}, log)

	results, err := svc.Query(ctx, query)
	if err != nil {
		log.Error("query failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		printJSON(results)
		return
	}
	printResults(query, results)
}

func buildStore(backend, collection, keyspace, qdrantAddr string) (store.Store, error) {
	switch backend {
	case "astra":
		var opts []store.AstraOption
		if keyspace != "" {
			opts = append(opts, store.WithKeyspace(keyspace))
		}
		return store.NewAstra(os.Getenv("ASTRA_DB_API_ENDPOINT"), os.Getenv("ASTRA_DB_APPLICATION_TOKEN"), collection, opts...)
	case "qdrant":
		return store.NewQdrant(qdrantAddr, collection)
	default:
		return nil, fmt.Errorf("unknown backend %q (want astra or qdrant)", backend)
	}
}

func printResults(query string, results []search.Result) {
	fmt.Printf("Query: %s\n", query)
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for i, r := range results {
		fmt.Printf("\n%2d. [%.4f] %s\n", i+1, r.Score, r.Question)
		if r.Title != "" {
			fmt.Printf("    article: %s\n", r.Title)
		}
		if len(r.Answers.Text) > 0 {
			fmt.Printf("    answers: %s\n", strings.Join(r.Answers.Text, "; "))
		}
		for _, q := range r.Related {
			fmt.Printf("    related: %s\n", q.Text)
		}
	}
}

func printJSON(results []search.Result) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fmt.Fprintln(os.Stderr, "encode results:", err)
		os.Exit(1)
	}
}
