// Package domain holds the question-answering record model shared by
// ingestion and search.
package domain

// Answers holds the accepted answer spans for a question, positionally
// paired: AnswerStart[i] is the character offset of Text[i] in the source
// passage.
type Answers struct {
	Text        []string `json:"text"`
	AnswerStart []int    `json:"answer_start"`
}

// Record is one question-answering example: a question asked of a titled
// source passage, with its answer spans.
type Record struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Question string  `json:"question"`
	Context  string  `json:"context"`
	Answers  Answers `json:"answers"`
}

// Fields flattens the record into document properties for storage. The
// record's own id stays under "id"; storage backends attach their own
// document identifier separately.
func (r Record) Fields() map[string]any {
	return map[string]any{
		"id":       r.ID,
		"title":    r.Title,
		"question": r.Question,
		"context":  r.Context,
		"answers": map[string]any{
			"text":         r.Answers.Text,
			"answer_start": r.Answers.AnswerStart,
		},
	}
}
