// Package graph maintains a Neo4j graph of articles and the questions
// asked against them, used to enrich similarity search results with
// related questions from the same article.
package graph

// Question is a question node in the graph, keyed by the deterministic
// document ID shared with the vector store.
type Question struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Title string `json:"title,omitempty"`
}
