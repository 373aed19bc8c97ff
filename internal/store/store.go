package store

import (
	"context"
	"time"

	"github.com/sells-group/mapgen/internal/model"
)

// RunState is everything persisted for one run, in the order it was written.
type RunState struct {
	RunID     string                         `json:"run_id"`
	Questions []model.Question               `json:"questions"`
	Jobs      []model.GenerationJob          `json:"jobs"` // all jobs, superseded included, oldest first
	Logs      []model.EventLogEntry          `json:"logs"` // ordered by sequence
	Staged    map[string]model.StagedMapping `json:"staged"`
	CreatedAt time.Time                      `json:"created_at"`
}

// Store defines the durable persistence interface for the mapping pipeline.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, runID string, questions []model.Question) error
	ListRunIDs(ctx context.Context) ([]string, error)
	// LoadRun returns nil, nil for an unknown run.
	LoadRun(ctx context.Context, runID string) (*RunState, error)

	// Jobs, logs and staged mappings
	SaveJob(ctx context.Context, job *model.GenerationJob) error
	AppendLogs(ctx context.Context, runID string, firstSeq int, entries []model.EventLogEntry) error
	SaveStaged(ctx context.Context, runID, questionID string, staged model.StagedMapping) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
