package domain

import (
	"fmt"
	"strings"
)

// ValidateRecord checks a record is complete enough to embed and store:
// it needs an id, a non-blank question, and aligned answer spans. Title,
// context, and answers themselves may be empty.
func ValidateRecord(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return NewValidationError("id", r.ID, ErrMissingID)
	}
	if strings.TrimSpace(r.Question) == "" {
		return NewValidationError("question", r.Question, ErrMissingQuestion)
	}
	if len(r.Answers.Text) != len(r.Answers.AnswerStart) {
		detail := fmt.Sprintf("%d texts, %d starts", len(r.Answers.Text), len(r.Answers.AnswerStart))
		return NewValidationError("answers", detail, ErrAnswerMismatch)
	}
	return nil
}
