package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/resilience"
)

// Breaker names used with resilience.Breakers.
const (
	GeneratorService = "generator"
	ValidatorService = "validator"
)

// Policy bounds the retry loop. A job's own MaxAttempts takes precedence over
// Policy.MaxAttempts.
type Policy struct {
	MaxAttempts int
	// CallTimeout caps each Generator and Validator call. Zero disables it.
	CallTimeout time.Duration
	Backoff     resilience.BackoffConfig
	// ValidateAll validates every candidate of an attempt instead of stopping
	// at the first success.
	ValidateAll bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		CallTimeout: 60 * time.Second,
		Backoff:     resilience.DefaultBackoffConfig(),
	}
}

// Controller runs generation jobs to a terminal status.
type Controller struct {
	jobs      *jobstore.Store
	generator Generator
	validator Validator
	breakers  *resilience.Breakers
	policy    Policy
}

// NewController creates a Controller. breakers may be nil to run without
// circuit breaking.
func NewController(jobs *jobstore.Store, gen Generator, val Validator, breakers *resilience.Breakers, policy Policy) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	return &Controller{
		jobs:      jobs,
		generator: gen,
		validator: val,
		breakers:  breakers,
		policy:    policy,
	}
}

// Policy returns the controller's effective policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// validationResult is what validating one mapping set produced.
type validationResult struct {
	outcomes   []model.ValidationOutcome
	exceptions []model.GenerationException
	winner     int // index into the set's candidates, -1 when none validated
	verdicts   int
	lastReason string
	lastErr    error
}

// attemptEnd carries what the closing commit of an attempt needs to decide
// the job's next status.
type attemptEnd struct {
	attempt     int
	maxAttempts int
	canceled    bool
	staged      *model.MappingCandidate
	summary     model.ValidationSummary
	sawVerdicts bool
	lastReason  string
	lastErr     error
}

// Run drives a pending job through generation and validation attempts until
// it reaches success, failed or no_valid_mapping. Per-question failures are
// recorded on the job, not returned; the returned error is structural (the
// job was superseded or the store refused a write).
func (c *Controller) Run(ctx context.Context, runID, jobID string) (*model.GenerationJob, error) {
	job, err := c.jobs.Job(runID, jobID)
	if err != nil {
		return nil, err
	}
	q, err := c.jobs.Question(runID, job.QuestionID)
	if err != nil {
		return nil, err
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.policy.MaxAttempts
	}
	k := job.K
	if k < 1 {
		k = 1
	}

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("question_id", job.QuestionID),
		zap.String("job_id", jobID),
	)
	log.Info("generation: job started",
		zap.Int("k", k),
		zap.String("strategy", job.Strategy),
		zap.Int("max_attempts", maxAttempts),
	)
	start := time.Now()
	end := attemptEnd{maxAttempts: maxAttempts}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		end.attempt = attempt
		end.staged = nil
		setIndex := attempt - 1

		if _, err := c.jobs.Apply(ctx, runID, jobID, func(m *jobstore.Mutation) error {
			m.Job.Status = model.JobGenerating
			m.Job.CurrentAttempt = attempt
			return nil
		}); err != nil {
			return nil, err
		}

		cands, genErr := c.generate(ctx, q, k, job.Strategy)

		var committed *model.GenerationJob
		if genErr != nil {
			log.Warn("generation: generator failed",
				zap.Int("attempt", attempt),
				zap.String("error_type", Classify(genErr)),
				zap.Error(genErr),
			)
			end.lastErr = genErr
			end.canceled = ctx.Err() != nil
			committed, err = c.jobs.Apply(ctx, runID, jobID, func(m *jobstore.Mutation) error {
				m.Job.GenerationExceptions = append(m.Job.GenerationExceptions,
					exception(setIndex, attempt, model.StageGeneration, genErr))
				m.AppendLog(model.EventLogEntry{
					QuestionNumber: q.Label(),
					Attempt:        attempt,
					Stage:          model.StageGeneration,
					Status:         string(model.OutcomeFailed),
					Error:          genErr.Error(),
				})
				conclude(m, end)
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else {
			set := model.MappingSet{
				SetIndex:      setIndex,
				Attempt:       attempt,
				MappingsCount: len(cands),
				Candidates:    cands,
			}
			if _, err := c.jobs.Apply(ctx, runID, jobID, func(m *jobstore.Mutation) error {
				m.Job.MappingSets = append(m.Job.MappingSets, set)
				m.Job.Status = model.JobValidating
				m.AppendLog(model.EventLogEntry{
					QuestionNumber:    q.Label(),
					Attempt:           attempt,
					Stage:             model.StageGeneration,
					Status:            string(model.OutcomeSuccess),
					MappingsGenerated: set.MappingsCount,
				})
				return nil
			}); err != nil {
				return nil, err
			}

			res := c.validate(ctx, log, q, set)
			if res.verdicts > 0 {
				end.sawVerdicts = true
			}
			if res.lastReason != "" {
				end.lastReason = res.lastReason
			}
			if res.lastErr != nil {
				end.lastErr = res.lastErr
			}
			if res.winner >= 0 {
				end.staged = &set.Candidates[res.winner]
				for _, o := range res.outcomes {
					if o.MappingIndex == res.winner {
						end.summary = model.ValidationSummary{Confidence: o.Confidence, DeviationScore: o.DeviationScore}
					}
				}
			}
			end.canceled = ctx.Err() != nil

			committed, err = c.jobs.Apply(ctx, runID, jobID, func(m *jobstore.Mutation) error {
				m.Job.GenerationExceptions = append(m.Job.GenerationExceptions, res.exceptions...)
				m.Job.ValidationOutcomes = append(m.Job.ValidationOutcomes, res.outcomes...)
				m.AppendLog(validationLog(q, attempt, set, res))
				conclude(m, end)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		if committed.Status.IsTerminal() {
			log.Info("generation: job finished",
				zap.String("status", string(committed.Status)),
				zap.Int("attempts", attempt),
				zap.Int("retry_count", committed.RetryCount),
				zap.Duration("elapsed", time.Since(start)),
			)
			return committed, nil
		}

		delay := c.policy.Backoff.Delay(attempt)
		log.Info("generation: retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := resilience.Wait(ctx, delay); err != nil {
			return c.cancel(ctx, runID, jobID, log)
		}
	}

	// The final attempt always commits a terminal status.
	return nil, eris.Errorf("generation: job %s left the retry loop without a terminal status", jobID)
}

// conclude sets the status that closes an attempt.
func conclude(m *jobstore.Mutation, end attemptEnd) {
	switch {
	case end.staged != nil:
		m.Job.Status = model.JobSuccess
		m.Stage(*end.staged, end.summary)
	case end.canceled:
		// An interrupted attempt is not consumed.
		m.Job.Status = model.JobFailed
		msg := ErrorTypeCanceled
		m.Job.Error = &msg
	case end.attempt >= end.maxAttempts:
		m.Job.RetryCount++
		finishExhausted(m.Job, end)
	default:
		m.Job.RetryCount++
		m.Job.Status = model.JobRetrying
	}
}

func (c *Controller) generate(ctx context.Context, q model.Question, k int, strategy string) ([]model.MappingCandidate, error) {
	raw, err := callCollaborator(ctx, c.breaker(GeneratorService), c.policy.CallTimeout,
		func(ctx context.Context) ([]model.MappingCandidate, error) {
			return c.generator.Generate(ctx, q, k, strategy)
		})
	if err != nil {
		return nil, err
	}
	return prepareCandidates(q, raw, k)
}

// validate judges a set's candidates in order. It stops at the first success
// unless the policy asks for every candidate to be judged.
func (c *Controller) validate(ctx context.Context, log *zap.Logger, q model.Question, set model.MappingSet) validationResult {
	res := validationResult{winner: -1}

	for i, cand := range set.Candidates {
		if ctx.Err() != nil {
			break
		}
		v, err := callCollaborator(ctx, c.breaker(ValidatorService), c.policy.CallTimeout,
			func(ctx context.Context) (*Verdict, error) {
				return c.validator.Validate(ctx, q, cand)
			})
		if err == nil && v == nil {
			err = ErrEmptyVerdict
		}
		if err != nil {
			log.Warn("generation: validator failed",
				zap.Int("attempt", set.Attempt),
				zap.Int("mapping_index", i),
				zap.String("error_type", Classify(err)),
				zap.Error(err),
			)
			res.exceptions = append(res.exceptions, exception(set.SetIndex, set.Attempt, model.StageValidation, err))
			res.lastErr = err
			continue
		}

		res.verdicts++
		status := model.OutcomeFailed
		if v.Valid {
			status = model.OutcomeSuccess
		}
		res.outcomes = append(res.outcomes, model.ValidationOutcome{
			SetIndex:       set.SetIndex,
			MappingIndex:   i,
			Status:         status,
			Confidence:     v.Confidence,
			DeviationScore: v.DeviationScore,
			Reasoning:      v.Reasoning,
		})
		if v.Reasoning != "" {
			res.lastReason = v.Reasoning
		}
		if v.Valid && res.winner < 0 {
			res.winner = i
			if !c.policy.ValidateAll {
				break
			}
		}
	}
	return res
}

func validationLog(q model.Question, attempt int, set model.MappingSet, res validationResult) model.EventLogEntry {
	validated := 0
	logs := make([]model.ValidationLog, 0, len(res.outcomes))
	for _, o := range res.outcomes {
		if o.Status == model.OutcomeSuccess {
			validated++
		}
		logs = append(logs, model.ValidationLog{
			MappingIndex:   o.MappingIndex,
			Status:         o.Status,
			Confidence:     o.Confidence,
			DeviationScore: o.DeviationScore,
			Reasoning:      o.Reasoning,
		})
	}
	entry := model.EventLogEntry{
		QuestionNumber:    q.Label(),
		Attempt:           attempt,
		Stage:             model.StageValidation,
		Status:            string(model.OutcomeFailed),
		MappingsGenerated: set.MappingsCount,
		MappingsValidated: validated,
		ValidationLogs:    logs,
	}
	if res.winner >= 0 {
		entry.Status = string(model.OutcomeSuccess)
	} else if res.verdicts == 0 && res.lastErr != nil {
		entry.Error = res.lastErr.Error()
	}
	return entry
}

// finishExhausted classifies a job whose budget ran out without a success.
// Any validator verdict means generation worked and the validator rejected
// everything; otherwise every attempt ended in a collaborator error.
func finishExhausted(job *model.GenerationJob, end attemptEnd) {
	if end.sawVerdicts {
		job.Status = model.JobNoValidMapping
		reason := end.lastReason
		if reason == "" {
			reason = fmt.Sprintf("no candidate passed validation in %d attempts", end.maxAttempts)
		}
		job.SkipReason = &reason
		return
	}

	job.Status = model.JobFailed
	msg := fmt.Sprintf("all %d attempts failed", end.maxAttempts)
	if end.lastErr != nil {
		msg = end.lastErr.Error()
	}
	job.Error = &msg
}

// cancel terminates a job whose context ended between attempts. The last
// attempt was already counted when it moved the job to retrying.
func (c *Controller) cancel(ctx context.Context, runID, jobID string, log *zap.Logger) (*model.GenerationJob, error) {
	committed, err := c.jobs.Apply(ctx, runID, jobID, func(m *jobstore.Mutation) error {
		m.Job.Status = model.JobFailed
		msg := ErrorTypeCanceled
		m.Job.Error = &msg
		m.Job.GenerationExceptions = append(m.Job.GenerationExceptions, model.GenerationException{
			SetIndex:  m.Job.CurrentAttempt - 1,
			Attempt:   m.Job.CurrentAttempt,
			Stage:     model.StageGeneration,
			ErrorType: ErrorTypeCanceled,
			Error:     context.Cause(ctx).Error(),
		})
		m.AppendLog(model.EventLogEntry{
			Attempt: m.Job.CurrentAttempt,
			Stage:   model.StageGeneration,
			Status:  string(model.OutcomeFailed),
			Error:   ErrorTypeCanceled,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Warn("generation: job canceled", zap.Int("attempt", committed.CurrentAttempt))
	return committed, nil
}

func (c *Controller) breaker(service string) *resilience.Breaker {
	return c.breakers.Get(service)
}

func exception(setIndex, attempt int, stage model.Stage, err error) model.GenerationException {
	return model.GenerationException{
		SetIndex:  setIndex,
		Attempt:   attempt,
		Stage:     stage,
		ErrorType: Classify(err),
		Error:     err.Error(),
	}
}

// callCollaborator runs fn behind the breaker with its own deadline. A result
// that arrives after the deadline is dropped.
func callCollaborator[T any](ctx context.Context, cb *resilience.Breaker, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.Call(ctx, cb, func(ctx context.Context) (T, error) {
		return withTimeout(ctx, timeout, fn)
	})
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, eris.Wrapf(ErrCallTimeout, "after %s", timeout)
		}
		return r.val, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, eris.Wrapf(ErrCallTimeout, "after %s", timeout)
	}
}
