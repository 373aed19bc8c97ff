// Package snapshot builds the versioned, read-only views of a run that
// pollers and the promotion gate consume.
package snapshot

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/model"
)

// Source is the part of the job store the aggregator reads.
type Source interface {
	View(runID string) (*jobstore.View, error)
	Version(runID string) (uint64, error)
}

type cached struct {
	version uint64
	snap    *model.GenerationSnapshot
	body    []byte
}

// Aggregator builds snapshots and caches the latest one per run. Snapshots
// it returns are shared between callers and must not be mutated.
type Aggregator struct {
	src Source

	mu    sync.Mutex
	cache map[string]*cached
}

// NewAggregator creates an Aggregator over src.
func NewAggregator(src Source) *Aggregator {
	return &Aggregator{src: src, cache: make(map[string]*cached)}
}

// Snapshot returns the current snapshot of a run. A run with no generation
// state yields an empty snapshot, not an error.
func (a *Aggregator) Snapshot(runID string) (*model.GenerationSnapshot, error) {
	c, err := a.current(runID)
	if err != nil {
		return nil, err
	}
	return c.snap, nil
}

// JSON returns the encoded snapshot and its version. Two calls that observe
// the same version return identical bytes.
func (a *Aggregator) JSON(runID string) ([]byte, uint64, error) {
	c, err := a.current(runID)
	if err != nil {
		return nil, 0, err
	}
	return c.body, c.version, nil
}

func (a *Aggregator) current(runID string) (*cached, error) {
	version, err := a.src.Version(runID)
	if errors.Is(err, jobstore.ErrRunNotFound) {
		return empty(runID)
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	c, ok := a.cache[runID]
	a.mu.Unlock()
	if ok && c.version == version {
		return c, nil
	}

	view, err := a.src.View(runID)
	if err != nil {
		return nil, err
	}
	c, err = encode(Build(view))
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	// Keep whichever entry is newer; a slow builder must not roll back the cache.
	if prev, ok := a.cache[runID]; !ok || prev.version < c.version {
		a.cache[runID] = c
	} else if prev.version == c.version {
		c = prev
	}
	a.mu.Unlock()
	return c, nil
}

func empty(runID string) (*cached, error) {
	return encode(model.EmptySnapshot(runID))
}

func encode(snap *model.GenerationSnapshot) (*cached, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: encode")
	}
	return &cached{version: snap.Version, snap: snap, body: body}, nil
}

// Build derives a snapshot from a job store view. Every registered question
// appears in the status summary. Staged mappings are listed only for
// questions whose current job is the successful job that staged them.
func Build(view *jobstore.View) *model.GenerationSnapshot {
	snap := &model.GenerationSnapshot{
		RunID:         view.RunID,
		Version:       view.Version,
		StatusSummary: make(map[string]model.QuestionStatus, len(view.Questions)),
		Logs:          append([]model.EventLogEntry{}, view.Logs...),
		Staged:        make(map[string]model.StagedMapping),
	}
	for _, q := range view.Questions {
		job := view.Jobs[q.ID]
		snap.StatusSummary[q.ID] = model.NewQuestionStatus(q, job)

		st, ok := view.Staged[q.ID]
		if ok && job != nil && job.Status == model.JobSuccess && st.JobID == job.ID {
			snap.Staged[q.ID] = st
		}
	}
	return snap
}
