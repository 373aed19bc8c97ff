package model

// Question is one assessment question belonging to a run. It is read-only
// input for the mapping pipeline.
type Question struct {
	ID           string   `json:"id" yaml:"id"`
	Number       string   `json:"number" yaml:"number"`
	StemText     string   `json:"stem_text" yaml:"stem_text"`
	Options      []string `json:"options,omitempty" yaml:"options,omitempty"`
	GoldAnswer   *string  `json:"gold_answer" yaml:"gold_answer"`
	QuestionType string   `json:"question_type" yaml:"question_type"`
}

// Label returns the human-facing question number, falling back to the ID.
func (q Question) Label() string {
	if q.Number != "" {
		return q.Number
	}
	return q.ID
}

// HasGoldAnswer reports whether the question carries a non-empty gold answer.
func (q Question) HasGoldAnswer() bool {
	return q.GoldAnswer != nil && *q.GoldAnswer != ""
}
