package model

// MappingCandidate is one proposed text substitution. Immutable once created.
type MappingCandidate struct {
	Original           string   `json:"original"`
	Replacement        string   `json:"replacement"`
	Context            string   `json:"context,omitempty"`
	EffectivenessScore *float64 `json:"effectiveness_score,omitempty"`
}

// MappingSet is the batch of candidates produced by one generation attempt.
type MappingSet struct {
	SetIndex      int                `json:"set_index"`
	Attempt       int                `json:"attempt"`
	MappingsCount int                `json:"mappings_count"`
	Candidates    []MappingCandidate `json:"candidates"`
}

// OutcomeStatus is the result of validating a single candidate.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ValidationOutcome records the validator's judgment of one candidate.
// MappingIndex is the candidate's position within its mapping set.
type ValidationOutcome struct {
	SetIndex       int           `json:"set_index"`
	MappingIndex   int           `json:"mapping_index"`
	Status         OutcomeStatus `json:"status"`
	Confidence     float64       `json:"confidence"`
	DeviationScore float64       `json:"deviation_score"`
	Reasoning      string        `json:"reasoning,omitempty"`
}

// Stage names a pipeline stage in exceptions and log entries.
type Stage string

const (
	StageGeneration Stage = "generation"
	StageValidation Stage = "validation"
)

// GenerationException records one failed collaborator call in enough detail
// to diagnose it without replaying the call.
type GenerationException struct {
	SetIndex  int    `json:"set_index"`
	Attempt   int    `json:"attempt"`
	Stage     Stage  `json:"stage"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}

// ValidationSummary is the score attached to a staged mapping.
type ValidationSummary struct {
	Confidence     float64 `json:"confidence"`
	DeviationScore float64 `json:"deviation_score"`
}

// StagedMapping is the one promoted candidate for a question.
type StagedMapping struct {
	JobID             string            `json:"job_id"`
	Status            JobStatus         `json:"status"`
	StagedMapping     MappingCandidate  `json:"staged_mapping"`
	ValidationSummary ValidationSummary `json:"validation_summary"`
}
