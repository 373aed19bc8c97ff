// Package scheduler admits generation requests and runs them on a bounded
// pool of workers.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/model"
)

// Sentinel errors. Callers test with errors.Is.
var (
	ErrInvalidOptions = eris.New("scheduler: invalid options")
	ErrShuttingDown   = eris.New("scheduler: shutting down")
)

// Skip reasons reported by GenerateAll.
const (
	SkipInFlight = "in_flight"
)

// Runner drives one admitted job to a terminal status.
type Runner interface {
	Run(ctx context.Context, runID, jobID string) (*model.GenerationJob, error)
}

// Options are the per-request knobs. Zero values take the configured defaults.
type Options struct {
	K           int    `json:"k,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// Config holds the scheduler's pool size, request defaults and limits.
type Config struct {
	Workers            int
	DefaultK           int
	DefaultStrategy    string
	DefaultMaxAttempts int
	// MaxK and MaxAttemptsLimit cap request values. Zero means no cap.
	MaxK             int
	MaxAttemptsLimit int
}

// Accepted is a question whose job was admitted.
type Accepted struct {
	QuestionID string `json:"question_id"`
	JobID      string `json:"job_id"`
}

// Skipped is a question GenerateAll left alone.
type Skipped struct {
	QuestionID string `json:"question_id"`
	Reason     string `json:"reason"`
}

// BatchResult reports what GenerateAll admitted and skipped.
type BatchResult struct {
	Accepted []Accepted `json:"accepted"`
	Skipped  []Skipped  `json:"skipped"`
}

// Scheduler admits jobs through the job store's single-flight check and runs
// them asynchronously, at most Config.Workers at a time. Admitted jobs wait
// in pending until a worker slot frees up.
type Scheduler struct {
	jobs   *jobstore.Store
	runner Runner
	cfg    Config
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

const defaultMaxAttempts = 3

// New creates a Scheduler. Unset defaults fall back to k=1, the
// "replacement" strategy and 3 attempts.
func New(jobs *jobstore.Store, runner Runner, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultK < 1 {
		cfg.DefaultK = 1
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = "replacement"
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = defaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   jobs,
		runner: runner,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Resolve applies defaults to opts and validates the result.
func (s *Scheduler) Resolve(opts Options) (jobstore.JobSpec, error) {
	spec := jobstore.JobSpec{
		K:           opts.K,
		Strategy:    strings.TrimSpace(opts.Strategy),
		MaxAttempts: opts.MaxAttempts,
	}
	if spec.K == 0 {
		spec.K = s.cfg.DefaultK
	}
	if spec.Strategy == "" {
		spec.Strategy = s.cfg.DefaultStrategy
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	switch {
	case spec.K < 1:
		return spec, eris.Wrapf(ErrInvalidOptions, "k must be at least 1, got %d", spec.K)
	case s.cfg.MaxK > 0 && spec.K > s.cfg.MaxK:
		return spec, eris.Wrapf(ErrInvalidOptions, "k must be at most %d, got %d", s.cfg.MaxK, spec.K)
	case spec.MaxAttempts < 1:
		return spec, eris.Wrapf(ErrInvalidOptions, "max_attempts must be at least 1, got %d", spec.MaxAttempts)
	case s.cfg.MaxAttemptsLimit > 0 && spec.MaxAttempts > s.cfg.MaxAttemptsLimit:
		return spec, eris.Wrapf(ErrInvalidOptions, "max_attempts must be at most %d, got %d", s.cfg.MaxAttemptsLimit, spec.MaxAttempts)
	}
	return spec, nil
}

// GenerateOne admits a job for one question and returns its id without
// waiting for it to run. It fails with jobstore.ErrConflict when the
// question already has a job in flight.
func (s *Scheduler) GenerateOne(ctx context.Context, runID, questionID string, opts Options) (string, error) {
	spec, err := s.Resolve(opts)
	if err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", ErrShuttingDown
	}

	job, err := s.jobs.Begin(ctx, runID, questionID, spec)
	if err != nil {
		return "", err
	}
	s.dispatch(runID, job.ID, questionID)
	return job.ID, nil
}

// GenerateAll admits a job for every question of the run that has none in
// flight. Questions with an in-flight job are skipped, not queued.
func (s *Scheduler) GenerateAll(ctx context.Context, runID string, opts Options) (*BatchResult, error) {
	spec, err := s.Resolve(opts)
	if err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrShuttingDown
	}

	view, err := s.jobs.View(runID)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Accepted: []Accepted{}, Skipped: []Skipped{}}
	for _, q := range view.Questions {
		job, err := s.jobs.Begin(ctx, runID, q.ID, spec)
		if err != nil {
			if errors.Is(err, jobstore.ErrConflict) {
				res.Skipped = append(res.Skipped, Skipped{QuestionID: q.ID, Reason: SkipInFlight})
				continue
			}
			return res, eris.Wrapf(err, "scheduler: begin question %s", q.ID)
		}
		s.dispatch(runID, job.ID, q.ID)
		res.Accepted = append(res.Accepted, Accepted{QuestionID: q.ID, JobID: job.ID})
	}

	zap.L().Info("scheduler: generate all",
		zap.String("run_id", runID),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dispatch starts a worker goroutine for an admitted job. A job admitted
// while Shutdown runs is executed inline against the canceled context, so it
// concludes as canceled instead of lingering in pending.
func (s *Scheduler) dispatch(runID, jobID, questionID string) {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("question_id", questionID),
		zap.String("job_id", jobID),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.execute(log, runID, jobID)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err == nil {
			defer s.sem.Release(1)
		}
		s.execute(log, runID, jobID)
	}()
}

func (s *Scheduler) execute(log *zap.Logger, runID, jobID string) {
	job, err := s.runner.Run(s.ctx, runID, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrSuperseded) {
			log.Info("scheduler: job superseded", zap.Error(err))
			return
		}
		log.Error("scheduler: job run failed", zap.Error(err))
		return
	}
	log.Debug("scheduler: job finished", zap.String("status", string(job.Status)))
}

// Shutdown cancels running jobs and waits for their workers to exit or for
// ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: shutdown")
	}
}
