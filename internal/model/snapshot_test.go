package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuestionStatus_NeverRequested(t *testing.T) {
	t.Parallel()

	qs := NewQuestionStatus(Question{ID: "q1", Number: "1"}, nil)
	assert.Equal(t, DisplayPending, qs.StatusDisplay)
	assert.Equal(t, JobPending, qs.Status)
	assert.Equal(t, "1", qs.QuestionNumber)
	assert.Empty(t, qs.JobID)

	// Empty lists must serialize as [] so clients never see null.
	raw, err := json.Marshal(qs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"generation_exceptions":[]`)
	assert.Contains(t, string(raw), `"mapping_sets_generated":[]`)
	assert.Contains(t, string(raw), `"error":null`)
	assert.Contains(t, string(raw), `"skip_reason":null`)
}

func TestNewQuestionStatus_FromJob(t *testing.T) {
	t.Parallel()

	job := &GenerationJob{
		ID:             "job-1",
		Status:         JobValidating,
		CurrentAttempt: 2,
		RetryCount:     1,
		MaxAttempts:    3,
		MappingSets: []MappingSet{
			{SetIndex: 0, MappingsCount: 2},
			{SetIndex: 1, MappingsCount: 1},
		},
		ValidationOutcomes: []ValidationOutcome{{MappingIndex: 0, Status: OutcomeSuccess, Confidence: 0.9}},
	}

	qs := NewQuestionStatus(Question{ID: "q1"}, job)
	assert.Equal(t, DisplayRunning, qs.StatusDisplay)
	assert.Equal(t, "job-1", qs.JobID)
	assert.Equal(t, 2, qs.CurrentAttempt)
	assert.Equal(t, 1, qs.RetryCount)
	assert.Equal(t, 3, qs.MappingsGenerated)
	assert.Equal(t, 1, qs.MappingsValidated)
	assert.Equal(t, []MappingSetSummary{{SetIndex: 0, MappingsCount: 2}, {SetIndex: 1, MappingsCount: 1}}, qs.MappingSetsGenerated)
}

func TestGenerationSnapshot_AllTerminal(t *testing.T) {
	t.Parallel()

	snap := EmptySnapshot("run-1")
	snap.StatusSummary["a"] = QuestionStatus{StatusDisplay: DisplaySuccess}
	snap.StatusSummary["b"] = QuestionStatus{StatusDisplay: DisplayRunning}

	assert.True(t, snap.AllTerminal("a"))
	assert.False(t, snap.AllTerminal("a", "b"))
	assert.False(t, snap.AllTerminal("missing"))
	assert.False(t, snap.AllTerminal())

	snap.StatusSummary["b"] = QuestionStatus{StatusDisplay: DisplayNoValidMapping}
	assert.True(t, snap.AllTerminal())

	counts := snap.CountByDisplay()
	assert.Equal(t, 1, counts[DisplaySuccess])
	assert.Equal(t, 1, counts[DisplayNoValidMapping])
}
