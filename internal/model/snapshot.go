package model

// MappingSetSummary is the per-set view exposed to pollers.
type MappingSetSummary struct {
	SetIndex      int `json:"set_index"`
	MappingsCount int `json:"mappings_count"`
}

// QuestionStatus is the GenerationJob-derived view of one question.
type QuestionStatus struct {
	QuestionNumber       string                `json:"question_number"`
	JobID                string                `json:"job_id,omitempty"`
	Status               JobStatus             `json:"status"`
	StatusDisplay        StatusDisplay         `json:"status_display"`
	CurrentAttempt       int                   `json:"current_attempt"`
	RetryCount           int                   `json:"retry_count"`
	MaxAttempts          int                   `json:"max_attempts,omitempty"`
	MappingsGenerated    int                   `json:"mappings_generated"`
	MappingsValidated    int                   `json:"mappings_validated"`
	MappingSetsGenerated []MappingSetSummary   `json:"mapping_sets_generated"`
	ValidationOutcomes   []ValidationOutcome   `json:"validation_outcomes"`
	GenerationExceptions []GenerationException `json:"generation_exceptions"`
	Error                *string               `json:"error"`
	SkipReason           *string               `json:"skip_reason"`
}

// NewQuestionStatus derives the observer view of a job. A nil job yields the
// pending view of a question that was never requested.
func NewQuestionStatus(q Question, job *GenerationJob) QuestionStatus {
	qs := QuestionStatus{
		QuestionNumber:       q.Label(),
		Status:               JobPending,
		StatusDisplay:        DisplayPending,
		MappingSetsGenerated: []MappingSetSummary{},
		ValidationOutcomes:   []ValidationOutcome{},
		GenerationExceptions: []GenerationException{},
	}
	if job == nil {
		return qs
	}

	qs.JobID = job.ID
	qs.Status = job.Status
	qs.StatusDisplay = job.Status.Display()
	qs.CurrentAttempt = job.CurrentAttempt
	qs.RetryCount = job.RetryCount
	qs.MaxAttempts = job.MaxAttempts
	qs.MappingsGenerated = job.MappingsGenerated()
	qs.MappingsValidated = job.MappingsValidated()
	for _, s := range job.MappingSets {
		qs.MappingSetsGenerated = append(qs.MappingSetsGenerated, MappingSetSummary{
			SetIndex:      s.SetIndex,
			MappingsCount: s.MappingsCount,
		})
	}
	qs.ValidationOutcomes = append(qs.ValidationOutcomes, job.ValidationOutcomes...)
	qs.GenerationExceptions = append(qs.GenerationExceptions, job.GenerationExceptions...)
	qs.Error = job.Error
	qs.SkipReason = job.SkipReason
	return qs
}

// GenerationSnapshot is the complete, point-in-time view of a run.
type GenerationSnapshot struct {
	RunID         string                    `json:"run_id"`
	Version       uint64                    `json:"version"`
	StatusSummary map[string]QuestionStatus `json:"status_summary"`
	Logs          []EventLogEntry           `json:"logs"`
	Staged        map[string]StagedMapping  `json:"staged"`
}

// EmptySnapshot is returned for runs with no generation state.
func EmptySnapshot(runID string) *GenerationSnapshot {
	return &GenerationSnapshot{
		RunID:         runID,
		StatusSummary: map[string]QuestionStatus{},
		Logs:          []EventLogEntry{},
		Staged:        map[string]StagedMapping{},
	}
}

// AllTerminal reports whether every listed question (every question when ids
// is empty) has a terminal display status. Unknown ids count as not terminal.
func (s *GenerationSnapshot) AllTerminal(ids ...string) bool {
	if len(ids) == 0 {
		for _, qs := range s.StatusSummary {
			if !qs.StatusDisplay.IsTerminal() {
				return false
			}
		}
		return true
	}
	for _, id := range ids {
		qs, ok := s.StatusSummary[id]
		if !ok || !qs.StatusDisplay.IsTerminal() {
			return false
		}
	}
	return true
}

// CountByDisplay tallies questions per display status.
func (s *GenerationSnapshot) CountByDisplay() map[StatusDisplay]int {
	counts := make(map[StatusDisplay]int)
	for _, qs := range s.StatusSummary {
		counts[qs.StatusDisplay]++
	}
	return counts
}
