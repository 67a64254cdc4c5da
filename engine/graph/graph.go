package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/datastax/cohere-basic-astradb-integration/pkg/repo"
)

// GraphStore provides article/question graph operations on top of the
// generic Neo4j repository.
type GraphStore struct {
	sessions  repo.Sessions
	questions *repo.Neo4jRepo[Question, string]
}

// New creates a GraphStore backed by a live Neo4j driver.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return NewWithSessions(repo.FromDriver(driver))
}

// NewWithSessions creates a GraphStore with an injected session factory.
func NewWithSessions(sessions repo.Sessions) *GraphStore {
	return &GraphStore{
		sessions:  sessions,
		questions: newQuestionRepo(sessions),
	}
}

// SaveQuestion creates or updates a question node. When the question
// carries an article title, the article node is merged as well and
// linked with HAS_QUESTION.
func (g *GraphStore) SaveQuestion(ctx context.Context, q Question) error {
	sess := g.sessions.Session(ctx)
	defer sess.Close(ctx)

	if q.Title == "" {
		cypher := `MERGE (q:Question {id: $id}) SET q.text = $text`
		_, err := sess.Run(ctx, cypher, map[string]any{"id": q.ID, "text": q.Text})
		if err != nil {
			return fmt.Errorf("graph: save question %s: %w", q.ID, err)
		}
		return nil
	}

	cypher := `MERGE (q:Question {id: $id}) SET q.text = $text, q.title = $title
	           WITH q
	           MERGE (a:Article {title: $title})
	           MERGE (a)-[:HAS_QUESTION]->(q)`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":    q.ID,
		"text":  q.Text,
		"title": q.Title,
	})
	if err != nil {
		return fmt.Errorf("graph: save question %s: %w", q.ID, err)
	}
	return nil
}

// SaveQuestions merges a batch of question nodes with two UNWIND
// statements: one for the nodes, one linking titled questions to their
// articles.
func (g *GraphStore) SaveQuestions(ctx context.Context, qs []Question) error {
	if len(qs) == 0 {
		return nil
	}
	sess := g.sessions.Session(ctx)
	defer sess.Close(ctx)

	rows := make([]any, 0, len(qs))
	titled := make([]any, 0, len(qs))
	for _, q := range qs {
		row := map[string]any{"id": q.ID, "text": q.Text, "title": q.Title}
		rows = append(rows, row)
		if q.Title != "" {
			titled = append(titled, row)
		}
	}

	cypher := `UNWIND $rows AS row
	           MERGE (q:Question {id: row.id})
	           SET q.text = row.text, q.title = row.title`
	if _, err := sess.Run(ctx, cypher, map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("graph: save %d questions: %w", len(qs), err)
	}
	if len(titled) == 0 {
		return nil
	}

	cypher = `UNWIND $rows AS row
	          MERGE (a:Article {title: row.title})
	          WITH a, row
	          MATCH (q:Question {id: row.id})
	          MERGE (a)-[:HAS_QUESTION]->(q)`
	if _, err := sess.Run(ctx, cypher, map[string]any{"rows": titled}); err != nil {
		return fmt.Errorf("graph: link %d questions: %w", len(titled), err)
	}
	return nil
}

// GetQuestion returns a question node by ID.
func (g *GraphStore) GetQuestion(ctx context.Context, id string) (Question, error) {
	return g.questions.Get(ctx, id)
}

// HasQuestion reports whether a question node exists. Infrastructure
// failures surface as errors rather than false.
func (g *GraphStore) HasQuestion(ctx context.Context, id string) (bool, error) {
	_, err := g.questions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RelatedQuestions returns other questions asked against the same
// article, excluding the given question ID.
func (g *GraphStore) RelatedQuestions(ctx context.Context, title, excludeID string, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 10
	}
	sess := g.sessions.Session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (a:Article {title: $title})-[:HAS_QUESTION]->(n:Question)
	           WHERE n.id <> $exclude
	           RETURN n LIMIT $limit`
	res, err := sess.Run(ctx, cypher, map[string]any{
		"title":   title,
		"exclude": excludeID,
		"limit":   int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("graph: related questions for %q: %w", title, err)
	}
	return collectQuestions(ctx, res)
}

// NodeCounts returns node counts grouped by label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`)
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count`)
}

func (g *GraphStore) countBy(ctx context.Context, cypher string) (map[string]int64, error) {
	sess := g.sessions.Session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: counts: %w", err)
	}
	counts := make(map[string]int64)
	for res.Next(ctx) {
		rec := res.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

func newQuestionRepo(sessions repo.Sessions) *repo.Neo4jRepo[Question, string] {
	return repo.NewNeo4jRepo[Question, string](
		sessions,
		"Question",
		questionToMap,
		questionFromRecord,
	)
}

func questionToMap(q Question) map[string]any {
	return map[string]any{
		"id":    q.ID,
		"text":  q.Text,
		"title": q.Title,
	}
}

func questionFromRecord(rec *neo4j.Record) (Question, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Question{}, err
	}
	return questionFromProps(node.Props), nil
}

func questionFromProps(props map[string]any) Question {
	return Question{
		ID:    strProp(props, "id"),
		Text:  strProp(props, "text"),
		Title: strProp(props, "title"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func collectQuestions(ctx context.Context, res repo.Result) ([]Question, error) {
	var items []Question
	for res.Next(ctx) {
		q, err := questionFromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, nil
}
