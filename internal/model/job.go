package model

import "time"

// JobStatus is the internal state of a GenerationJob.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobGenerating     JobStatus = "generating"
	JobValidating     JobStatus = "validating"
	JobRetrying       JobStatus = "retrying"
	JobSuccess        JobStatus = "success"
	JobFailed         JobStatus = "failed"
	JobNoValidMapping JobStatus = "no_valid_mapping"
)

// IsTerminal reports whether no further attempts will occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobNoValidMapping:
		return true
	default:
		return false
	}
}

// InFlight reports whether the job blocks a new request for the same
// question. Pending jobs count: they hold a worker reservation.
func (s JobStatus) InFlight() bool {
	return s != "" && !s.IsTerminal()
}

// Display maps the internal state onto the value shown to observers.
func (s JobStatus) Display() StatusDisplay {
	switch s {
	case JobGenerating, JobValidating, JobRetrying:
		return DisplayRunning
	case JobSuccess:
		return DisplaySuccess
	case JobFailed:
		return DisplayFailed
	case JobNoValidMapping:
		return DisplayNoValidMapping
	default:
		return DisplayPending
	}
}

// StatusDisplay is the observer-facing status of a question.
type StatusDisplay string

const (
	DisplayPending        StatusDisplay = "pending"
	DisplayRunning        StatusDisplay = "running"
	DisplaySuccess        StatusDisplay = "success"
	DisplayFailed         StatusDisplay = "failed"
	DisplayNoValidMapping StatusDisplay = "no_valid_mapping"
)

// IsTerminal reports whether pollers can stop waiting on this status.
func (d StatusDisplay) IsTerminal() bool {
	return d == DisplaySuccess || d == DisplayFailed || d == DisplayNoValidMapping
}

// GenerationJob is the unit of work for one question and its mutable state.
// Committed jobs are treated as immutable; writers mutate a Clone.
type GenerationJob struct {
	ID                   string                `json:"id"`
	RunID                string                `json:"run_id"`
	QuestionID           string                `json:"question_id"`
	Status               JobStatus             `json:"status"`
	K                    int                   `json:"k"`
	Strategy             string                `json:"strategy"`
	MaxAttempts          int                   `json:"max_attempts"`
	CurrentAttempt       int                   `json:"current_attempt"`
	RetryCount           int                   `json:"retry_count"`
	MappingSets          []MappingSet          `json:"mapping_sets"`
	ValidationOutcomes   []ValidationOutcome   `json:"validation_outcomes"`
	GenerationExceptions []GenerationException `json:"generation_exceptions"`
	Error                *string               `json:"error"`
	SkipReason           *string               `json:"skip_reason"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	CompletedAt          *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.MappingSets != nil {
		c.MappingSets = make([]MappingSet, len(j.MappingSets))
		for i, s := range j.MappingSets {
			s.Candidates = append([]MappingCandidate(nil), s.Candidates...)
			c.MappingSets[i] = s
		}
	}
	c.ValidationOutcomes = append([]ValidationOutcome(nil), j.ValidationOutcomes...)
	c.GenerationExceptions = append([]GenerationException(nil), j.GenerationExceptions...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.SkipReason != nil {
		r := *j.SkipReason
		c.SkipReason = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MappingsGenerated is the total number of candidates across all sets.
func (j *GenerationJob) MappingsGenerated() int {
	n := 0
	for _, s := range j.MappingSets {
		n += s.MappingsCount
	}
	return n
}

// MappingsValidated counts candidates that validated successfully.
func (j *GenerationJob) MappingsValidated() int {
	n := 0
	for _, o := range j.ValidationOutcomes {
		if o.Status == OutcomeSuccess {
			n++
		}
	}
	return n
}

// ValidationLog is one per-candidate line nested in a validation log entry.
type ValidationLog struct {
	MappingIndex   int           `json:"mapping_index"`
	Status         OutcomeStatus `json:"status"`
	Confidence     float64       `json:"confidence"`
	DeviationScore float64       `json:"deviation_score"`
	Reasoning      string        `json:"reasoning,omitempty"`
}

// EventLogEntry records one stage transition for one question. Entries are
// append-only and never edited.
type EventLogEntry struct {
	QuestionNumber    string          `json:"question_number"`
	QuestionID        string          `json:"question_id"`
	JobID             string          `json:"job_id"`
	Attempt           int             `json:"attempt"`
	Stage             Stage           `json:"stage"`
	Status            string          `json:"status"`
	Timestamp         time.Time       `json:"timestamp"`
	MappingsGenerated int             `json:"mappings_generated"`
	MappingsValidated int             `json:"mappings_validated"`
	ValidationLogs    []ValidationLog `json:"validation_logs,omitempty"`
	Error             string          `json:"error,omitempty"`
}
