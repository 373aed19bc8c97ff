package snapshot

import (
	"math"

	"github.com/sells-group/mapgen/internal/model"
)

// Decision is the promotion gate's answer for a run.
type Decision struct {
	RunID     string                         `json:"run_id"`
	Version   uint64                         `json:"version"`
	Ready     bool                           `json:"ready"`
	Total     int                            `json:"total"`
	Succeeded int                            `json:"succeeded"`
	Required  int                            `json:"required"`
	Settled   bool                           `json:"settled"`
	Mappings  map[string]model.StagedMapping `json:"mappings"`
}

// Gate decides whether a run has enough validated mappings to advance. It
// reads only staged mappings of successful jobs.
type Gate struct {
	agg         *Aggregator
	minFraction float64
}

// NewGate creates a Gate. minFraction is clamped to [0, 1]; at least one
// success is always required.
func NewGate(agg *Aggregator, minFraction float64) *Gate {
	return &Gate{agg: agg, minFraction: math.Min(math.Max(minFraction, 0), 1)}
}

// Evaluate reads the run's current snapshot and decides promotion.
func (g *Gate) Evaluate(runID string) (*Decision, error) {
	snap, err := g.agg.Snapshot(runID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		RunID:    runID,
		Version:  snap.Version,
		Total:    len(snap.StatusSummary),
		Settled:  snap.AllTerminal(),
		Mappings: make(map[string]model.StagedMapping, len(snap.Staged)),
	}
	for qid, st := range snap.Staged {
		if st.Status != model.JobSuccess {
			continue
		}
		d.Mappings[qid] = st
	}
	d.Succeeded = len(d.Mappings)
	d.Required = Required(d.Total, g.minFraction)
	d.Ready = d.Total > 0 && d.Succeeded >= d.Required
	return d, nil
}

// Required is the number of successes a run of total questions needs.
func Required(total int, minFraction float64) int {
	n := int(math.Ceil(minFraction*float64(total) - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}
