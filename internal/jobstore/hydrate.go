package jobstore

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/store"
)

// InterruptedError is recorded on jobs that were in flight when the previous
// process stopped.
const InterruptedError = "interrupted by restart"

// Hydrate loads every persisted run into memory. Jobs left in flight by a
// previous process are failed so the single-flight check cannot wedge on a
// job nobody is running. It must be called before the store serves requests.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	ids, err := s.persist.ListRunIDs(ctx)
	if err != nil {
		return eris.Wrap(err, "jobstore: list persisted runs")
	}

	for _, id := range ids {
		rs, err := s.persist.LoadRun(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "jobstore: load run %s", id)
		}
		if rs == nil {
			continue
		}
		interrupted := s.restore(rs)
		for _, job := range interrupted {
			s.persistJob(ctx, job)
		}
		zap.L().Info("jobstore: run hydrated",
			zap.String("run_id", id),
			zap.Int("questions", len(rs.Questions)),
			zap.Int("jobs", len(rs.Jobs)),
			zap.Int("interrupted", len(interrupted)),
		)
	}
	return nil
}

// restore installs a persisted run and returns the jobs it had to fail.
func (s *Store) restore(rs *store.RunState) []*model.GenerationJob {
	r := newRunState(rs.RunID)
	r.questions = rs.Questions
	for i, q := range rs.Questions {
		r.qIndex[q.ID] = i
	}

	now := s.now()
	var interrupted []*model.GenerationJob
	for i := range rs.Jobs {
		job := rs.Jobs[i].Clone()
		if job.Status.InFlight() {
			msg := InterruptedError
			job.Status = model.JobFailed
			job.Error = &msg
			job.UpdatedAt = now
			job.CompletedAt = &now
			interrupted = append(interrupted, job)
		}
		r.jobs[job.ID] = job
		r.history[job.QuestionID] = append(r.history[job.QuestionID], job.ID)
		// Jobs arrive oldest first, so the last one seen is current.
		r.current[job.QuestionID] = job
	}

	r.logs = append([]model.EventLogEntry(nil), rs.Logs...)

	for qid, sm := range rs.Staged {
		r.staged[qid] = sm
	}
	r.version = 1

	s.mu.Lock()
	s.runs[rs.RunID] = r
	s.mu.Unlock()
	return interrupted
}

// ViewOf builds a read-only view straight from persisted state, without
// installing the run or failing interrupted jobs. Offline readers use it
// while another process may still own the run.
func ViewOf(rs *store.RunState) *View {
	v := &View{
		RunID:     rs.RunID,
		Version:   1,
		Questions: rs.Questions,
		Jobs:      make(map[string]*model.GenerationJob),
		Logs:      rs.Logs,
		Staged:    rs.Staged,
	}
	for i := range rs.Jobs {
		job := rs.Jobs[i]
		v.Jobs[job.QuestionID] = &job
	}
	if v.Staged == nil {
		v.Staged = map[string]model.StagedMapping{}
	}
	return v
}
