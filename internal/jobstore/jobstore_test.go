package jobstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/store"
)

func strPtr(s string) *string { return &s }

func questions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			ID:           fmt.Sprintf("q%d", i+1),
			Number:       fmt.Sprintf("%d", i+1),
			StemText:     "Which planet is known as the red planet?",
			GoldAnswer:   strPtr("Mars"),
			QuestionType: "mcq",
		}
	}
	return qs
}

func newRun(t *testing.T, n int) *Store {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.RegisterRun(context.Background(), "run-1", questions(n)))
	return s
}

func spec() JobSpec {
	return JobSpec{K: 2, Strategy: "replacement", MaxAttempts: 3}
}

func TestRegisterRun_Validation(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	err := s.RegisterRun(ctx, "", questions(1))
	assert.True(t, errors.Is(err, ErrInvalidRun))

	err = s.RegisterRun(ctx, "run-1", []model.Question{{ID: "q1"}, {ID: "q1"}})
	assert.True(t, errors.Is(err, ErrInvalidRun))

	err = s.RegisterRun(ctx, "run-1", []model.Question{{Number: "1"}})
	assert.True(t, errors.Is(err, ErrInvalidRun))
}

func finish(t *testing.T, s *Store, qid string, status model.JobStatus) *model.GenerationJob {
	t.Helper()
	ctx := context.Background()
	job, err := s.Begin(ctx, "run-1", qid, spec())
	require.NoError(t, err)
	job, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = status
		return nil
	})
	require.NoError(t, err)
	return job
}

func TestRegisterRun_AddsQuestionsKeepsJobs(t *testing.T) {
	s := newRun(t, 2)
	ctx := context.Background()
	job := finish(t, s, "q1", model.JobFailed)

	require.NoError(t, s.RegisterRun(ctx, "run-1", questions(3)))

	v, err := s.View("run-1")
	require.NoError(t, err)
	assert.Len(t, v.Questions, 3)
	assert.Equal(t, job.ID, v.Jobs["q1"].ID)
}

func TestRegisterRun_IdenticalListIsNoop(t *testing.T) {
	s := newRun(t, 2)
	ctx := context.Background()

	_, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	before, err := s.Version("run-1")
	require.NoError(t, err)

	require.NoError(t, s.RegisterRun(ctx, "run-1", questions(2)))

	after, err := s.Version("run-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegisterRun_RejectsUpdateWhileInFlight(t *testing.T) {
	s := newRun(t, 2)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobGenerating
		return nil
	})
	require.NoError(t, err)

	err = s.RegisterRun(ctx, "run-1", questions(2)[1:])
	assert.True(t, errors.Is(err, ErrConflict))
	err = s.ReplaceRun(ctx, "run-1", questions(2)[1:])
	assert.True(t, errors.Is(err, ErrConflict))
	err = s.RegisterRun(ctx, "run-1", questions(3))
	assert.True(t, errors.Is(err, ErrConflict))

	v, err := s.View("run-1")
	require.NoError(t, err)
	assert.Len(t, v.Questions, 2)
	assert.Equal(t, model.JobGenerating, v.Jobs["q1"].Status)

	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue"}, model.ValidationSummary{Confidence: 0.9})
		return nil
	})
	require.NoError(t, err)
	v, err = s.View("run-1")
	require.NoError(t, err)
	assert.Contains(t, v.Staged, "q1")
}

func TestRegisterRun_QuestionsWithJobsAreReadOnly(t *testing.T) {
	s := newRun(t, 2)
	ctx := context.Background()
	finish(t, s, "q1", model.JobSuccess)

	err := s.RegisterRun(ctx, "run-1", questions(2)[1:])
	assert.True(t, errors.Is(err, ErrConflict), "dropping a question with jobs")

	edited := questions(2)
	edited[0].StemText = "Which planet is known as the blue planet?"
	err = s.RegisterRun(ctx, "run-1", edited)
	assert.True(t, errors.Is(err, ErrConflict), "changing a question with jobs")

	// q2 has no jobs yet, so it may change or go.
	loose := questions(2)
	loose[1].Options = []string{"Mars", "Venus"}
	require.NoError(t, s.RegisterRun(ctx, "run-1", loose))
	require.NoError(t, s.RegisterRun(ctx, "run-1", questions(1)))

	require.NoError(t, s.ReplaceRun(ctx, "run-1", edited[:1]))
	q, err := s.Question("run-1", "q1")
	require.NoError(t, err)
	assert.Equal(t, edited[0].StemText, q.StemText)
	history, err := s.History("run-1", "q1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUnknownRunAndQuestion(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	_, err := s.View("missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	_, err = s.Begin(ctx, "missing", "q1", spec())
	assert.True(t, errors.Is(err, ErrRunNotFound))

	_, err = s.Begin(ctx, "run-1", "nope", spec())
	assert.True(t, errors.Is(err, ErrQuestionNotFound))

	_, err = s.Question("run-1", "nope")
	assert.True(t, errors.Is(err, ErrQuestionNotFound))
}

func TestBegin_SingleFlight(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	first, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, first.Status)
	assert.Equal(t, 3, first.MaxAttempts)

	_, err = s.Begin(ctx, "run-1", "q1", spec())
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = s.Apply(ctx, "run-1", first.ID, func(m *Mutation) error {
		m.Job.Status = model.JobGenerating
		return nil
	})
	require.NoError(t, err)

	_, err = s.Begin(ctx, "run-1", "q1", spec())
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestBegin_SupersedesTerminalJob(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	first, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", first.ID, func(m *Mutation) error {
		m.Job.Status = model.JobFailed
		m.Job.Error = strPtr("provider down")
		return nil
	})
	require.NoError(t, err)

	second, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	hist, err := s.History("run-1", "q1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.JobFailed, hist[0].Status)
	assert.Equal(t, model.JobPending, hist[1].Status)

	// The superseded job can no longer write.
	_, err = s.Apply(ctx, "run-1", first.ID, func(m *Mutation) error { return nil })
	assert.True(t, errors.Is(err, ErrJobFinished) || errors.Is(err, ErrSuperseded))
}

func TestApply_LateResultIsRejected(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	old, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", old.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue"}, model.ValidationSummary{Confidence: 0.9})
		return nil
	})
	require.NoError(t, err)

	fresh, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)

	_, err = s.Apply(ctx, "run-1", old.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		return nil
	})
	require.Error(t, err)

	v, err := s.View("run-1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, v.Jobs["q1"].ID)
	assert.Equal(t, model.JobPending, v.Jobs["q1"].Status)
}

func TestApply_SupersededJobGuard(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)

	// Force a superseding job while the first is still pending, as a restart would.
	r, err := s.run("run-1")
	require.NoError(t, err)
	r.mu.Lock()
	replacement := job.Clone()
	replacement.ID = "other"
	r.current["q1"] = replacement
	r.jobs["other"] = replacement
	r.mu.Unlock()

	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error { return nil })
	assert.True(t, errors.Is(err, ErrSuperseded))
}

func TestApply_CommitsLogsAndStagedAtomically(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	before, err := s.Version("run-1")
	require.NoError(t, err)

	committed, err := s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		m.AppendLog(model.EventLogEntry{Stage: model.StageValidation, Status: "success", MappingsValidated: 1})
		m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue", Context: "stem"},
			model.ValidationSummary{Confidence: 0.91, DeviationScore: 0.1})
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, committed.CompletedAt)

	v, err := s.View("run-1")
	require.NoError(t, err)
	assert.Equal(t, before+1, v.Version)
	require.Len(t, v.Logs, 1)
	assert.Equal(t, "1", v.Logs[0].QuestionNumber)
	assert.Equal(t, "q1", v.Logs[0].QuestionID)
	assert.Equal(t, job.ID, v.Logs[0].JobID)
	assert.False(t, v.Logs[0].Timestamp.IsZero())

	staged, ok := v.Staged["q1"]
	require.True(t, ok)
	assert.Equal(t, job.ID, staged.JobID)
	assert.Equal(t, model.JobSuccess, staged.Status)
	assert.Equal(t, "blue", staged.StagedMapping.Replacement)
}

func TestApply_CallbackErrorCommitsNothing(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	before, _ := s.Version("run-1")

	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobGenerating
		m.AppendLog(model.EventLogEntry{Stage: model.StageGeneration})
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	v, _ := s.View("run-1")
	assert.Equal(t, before, v.Version)
	assert.Empty(t, v.Logs)
	assert.Equal(t, model.JobPending, v.Jobs["q1"].Status)
}

func TestApply_StagingRequiresSuccess(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)

	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobFailed
		m.Stage(model.MappingCandidate{Original: "a", Replacement: "b"}, model.ValidationSummary{})
		return nil
	})
	require.Error(t, err)

	v, _ := s.View("run-1")
	assert.Empty(t, v.Staged)
}

func TestView_IsIsolatedFromLaterWrites(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	job, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobGenerating
		m.AppendLog(model.EventLogEntry{Stage: model.StageGeneration, Status: "started"})
		return nil
	})
	require.NoError(t, err)

	v1, err := s.View("run-1")
	require.NoError(t, err)

	_, err = s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		m.AppendLog(model.EventLogEntry{Stage: model.StageValidation, Status: "success"})
		m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue"}, model.ValidationSummary{})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, model.JobGenerating, v1.Jobs["q1"].Status)
	assert.Len(t, v1.Logs, 1)
	assert.Empty(t, v1.Staged)

	v2, _ := s.View("run-1")
	assert.Equal(t, model.JobSuccess, v2.Jobs["q1"].Status)
	assert.Len(t, v2.Logs, 2)
	assert.Len(t, v2.Staged, 1)
}

func TestBegin_ConcurrentRequestsAdmitOne(t *testing.T) {
	s := newRun(t, 1)
	ctx := context.Background()

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Begin(ctx, "run-1", "q1", spec())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, callers-1, conflicts)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	const n = 8
	s := newRun(t, n)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		qid := fmt.Sprintf("q%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.Begin(ctx, "run-1", qid, spec())
			if !assert.NoError(t, err) {
				return
			}
			for _, st := range []model.JobStatus{model.JobGenerating, model.JobValidating, model.JobSuccess} {
				status := st
				_, err := s.Apply(ctx, "run-1", job.ID, func(m *Mutation) error {
					m.Job.Status = status
					m.AppendLog(model.EventLogEntry{Stage: model.StageGeneration, Status: string(status)})
					if status == model.JobSuccess {
						m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue"}, model.ValidationSummary{})
					}
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, err := s.View("run-1")
			if !assert.NoError(t, err) {
				return
			}
			for qid, job := range v.Jobs {
				_, staged := v.Staged[qid]
				if staged != (job.Status == model.JobSuccess) {
					t.Errorf("question %s: staged=%v status=%s", qid, staged, job.Status)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-done

	v, _ := s.View("run-1")
	assert.Len(t, v.Logs, 3*n)
	assert.Len(t, v.Staged, n)
}

func TestPersistence_WriteThroughAndHydrate(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	persist, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { persist.Close() })
	require.NoError(t, persist.Migrate(ctx))

	s := New(persist)
	require.NoError(t, s.RegisterRun(ctx, "run-1", questions(2)))

	done, err := s.Begin(ctx, "run-1", "q1", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", done.ID, func(m *Mutation) error {
		m.Job.Status = model.JobSuccess
		m.AppendLog(model.EventLogEntry{Stage: model.StageGeneration, Status: "success"})
		m.AppendLog(model.EventLogEntry{Stage: model.StageValidation, Status: "success"})
		m.Stage(model.MappingCandidate{Original: "red", Replacement: "blue"}, model.ValidationSummary{Confidence: 0.9})
		return nil
	})
	require.NoError(t, err)

	running, err := s.Begin(ctx, "run-1", "q2", spec())
	require.NoError(t, err)
	_, err = s.Apply(ctx, "run-1", running.ID, func(m *Mutation) error {
		m.Job.Status = model.JobGenerating
		return nil
	})
	require.NoError(t, err)

	// A new process sees the same run; the generating job was orphaned.
	restarted := New(persist)
	require.NoError(t, restarted.Hydrate(ctx))

	v, err := restarted.View("run-1")
	require.NoError(t, err)
	assert.Len(t, v.Questions, 2)
	assert.Len(t, v.Logs, 2)
	assert.Equal(t, model.JobSuccess, v.Jobs["q1"].Status)
	assert.Equal(t, "blue", v.Staged["q1"].StagedMapping.Replacement)

	q2 := v.Jobs["q2"]
	assert.Equal(t, model.JobFailed, q2.Status)
	require.NotNil(t, q2.Error)
	assert.Equal(t, InterruptedError, *q2.Error)

	// Single-flight is free again for the interrupted question.
	_, err = restarted.Begin(ctx, "run-1", "q2", spec())
	require.NoError(t, err)

	// The interrupted job was persisted as failed.
	rs, err := persist.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	var found bool
	for _, j := range rs.Jobs {
		if j.ID == running.ID {
			found = true
			assert.Equal(t, model.JobFailed, j.Status)
		}
	}
	assert.True(t, found)
}

func TestHydrate_NoPersister(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Hydrate(context.Background()))
	assert.Empty(t, s.RunIDs())
}

func TestViewOf_LeavesInFlightJobsAlone(t *testing.T) {
	rs := &store.RunState{
		RunID:     "run-1",
		Questions: questions(2),
		Jobs: []model.GenerationJob{
			{ID: "j1", QuestionID: "q1", Status: model.JobFailed},
			{ID: "j2", QuestionID: "q1", Status: model.JobSuccess},
			{ID: "j3", QuestionID: "q2", Status: model.JobValidating},
		},
	}

	v := ViewOf(rs)
	assert.Equal(t, "run-1", v.RunID)
	assert.Equal(t, "j2", v.Jobs["q1"].ID)
	assert.Equal(t, model.JobValidating, v.Jobs["q2"].Status)
	assert.NotNil(t, v.Staged)
	assert.Equal(t, model.JobValidating, rs.Jobs[2].Status)
}
