// Package jobstore holds the authoritative, in-process state of every run:
// registered questions, generation jobs (current and superseded), the event
// log, and staged mappings.
//
// Committed jobs are never mutated. Writers go through Apply, which hands a
// private clone to the caller's mutation and swaps it in under the run's write
// lock. Readers take a View, which copies references under the read lock and
// is therefore always a complete, point-in-time picture of the run.
package jobstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/store"
)

// Sentinel errors. Callers test with errors.Is.
var (
	ErrConflict         = eris.New("jobstore: job already in flight")
	ErrRunNotFound      = eris.New("jobstore: run not found")
	ErrQuestionNotFound = eris.New("jobstore: question not found")
	ErrSuperseded       = eris.New("jobstore: job superseded")
	ErrJobFinished      = eris.New("jobstore: job already terminal")
	ErrInvalidRun       = eris.New("jobstore: invalid run")
)

// JobSpec is the per-request policy recorded on a new job.
type JobSpec struct {
	K           int
	Strategy    string
	MaxAttempts int
}

// Mutation is the private, uncommitted state handed to an Apply callback.
type Mutation struct {
	Job *model.GenerationJob

	logs   []model.EventLogEntry
	staged *model.StagedMapping
}

// AppendLog queues a log entry to be committed with the job.
func (m *Mutation) AppendLog(e model.EventLogEntry) {
	m.logs = append(m.logs, e)
}

// Stage queues the staged mapping for the job's question. It is only accepted
// when the job commits as success.
func (m *Mutation) Stage(c model.MappingCandidate, summary model.ValidationSummary) {
	m.staged = &model.StagedMapping{StagedMapping: c, ValidationSummary: summary}
}

// View is a read-only, point-in-time view of one run. Nothing reachable from
// a View may be mutated.
type View struct {
	RunID     string
	Version   uint64
	Questions []model.Question
	Jobs      map[string]*model.GenerationJob // current job per question id
	Logs      []model.EventLogEntry
	Staged    map[string]model.StagedMapping
}

type runState struct {
	mu sync.RWMutex

	// Write-through runs outside mu in commit order: each commit draws a
	// ticket under mu and persists when persistTurn reaches it.
	persistMu   sync.Mutex
	persistCond *sync.Cond
	persistNext uint64 // guarded by mu
	persistTurn uint64 // guarded by persistMu

	id        string
	questions []model.Question
	qIndex    map[string]int
	current   map[string]*model.GenerationJob
	jobs      map[string]*model.GenerationJob
	history   map[string][]string // question id -> job ids, oldest first
	logs      []model.EventLogEntry
	staged    map[string]model.StagedMapping
	version   uint64
}

func newRunState(id string) *runState {
	r := &runState{
		id:      id,
		qIndex:  map[string]int{},
		current: map[string]*model.GenerationJob{},
		jobs:    map[string]*model.GenerationJob{},
		history: map[string][]string{},
		staged:  map[string]model.StagedMapping{},
	}
	r.persistCond = sync.NewCond(&r.persistMu)
	return r
}

// ticket must be called with mu held.
func (r *runState) ticket() uint64 {
	t := r.persistNext
	r.persistNext++
	return t
}

// inOrder runs fn once every earlier ticket has finished.
func (r *runState) inOrder(t uint64, fn func()) {
	r.persistMu.Lock()
	for r.persistTurn != t {
		r.persistCond.Wait()
	}
	r.persistMu.Unlock()

	defer func() {
		r.persistMu.Lock()
		r.persistTurn++
		r.persistCond.Broadcast()
		r.persistMu.Unlock()
	}()
	fn()
}

// Store is the in-process job store. The zero value is not usable; use New.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*runState
	persist store.Store
	now     func() time.Time
}

// New creates a Store. persist may be nil for a purely in-memory store.
func New(persist store.Store) *Store {
	return &Store{
		runs:    map[string]*runState{},
		persist: persist,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) run(runID string) (*runState, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return r, nil
}

// RegisterRun creates a run or updates its question list. Questions are
// read-only input: an update may add or reorder questions but may not drop
// or change one that already has jobs. Re-registering an identical list is
// a no-op. Any other update returns ErrConflict while a job is in flight.
func (s *Store) RegisterRun(ctx context.Context, runID string, questions []model.Question) error {
	return s.register(ctx, runID, questions, false)
}

// ReplaceRun is RegisterRun for callers that mean to drop or edit questions
// with jobs. Their terminal jobs stay in history, and an edited question
// keeps showing its last result until it is generated again. It still
// returns ErrConflict while a job is in flight.
func (s *Store) ReplaceRun(ctx context.Context, runID string, questions []model.Question) error {
	return s.register(ctx, runID, questions, true)
}

func (s *Store) register(ctx context.Context, runID string, questions []model.Question, replace bool) error {
	if runID == "" {
		return eris.Wrap(ErrInvalidRun, "empty run id")
	}
	index := make(map[string]int, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			return eris.Wrapf(ErrInvalidRun, "question %d has no id", i)
		}
		if _, dup := index[q.ID]; dup {
			return eris.Wrapf(ErrInvalidRun, "duplicate question id %s", q.ID)
		}
		index[q.ID] = i
	}
	qs := append([]model.Question(nil), questions...)

	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		r = newRunState(runID)
		s.runs[runID] = r
	}
	s.mu.Unlock()

	r.mu.Lock()
	if ok && slices.EqualFunc(r.questions, qs, sameQuestion) {
		r.mu.Unlock()
		return nil
	}
	if err := r.checkUpdate(index, qs, replace); err != nil {
		r.mu.Unlock()
		return err
	}
	r.questions = qs
	r.qIndex = index
	r.version++
	t := r.ticket()
	r.mu.Unlock()

	var persistErr error
	r.inOrder(t, func() {
		if s.persist != nil {
			persistErr = s.persist.SaveRun(ctx, runID, qs)
		}
	})
	if persistErr != nil {
		return eris.Wrapf(persistErr, "jobstore: persist run %s", runID)
	}

	zap.L().Info("jobstore: run registered",
		zap.String("run_id", runID),
		zap.Int("questions", len(qs)),
	)
	return nil
}

// checkUpdate must be called with mu held.
func (r *runState) checkUpdate(index map[string]int, qs []model.Question, replace bool) error {
	for qid, job := range r.current {
		if job.Status.InFlight() {
			return eris.Wrapf(ErrConflict, "question %s has job %s in flight", qid, job.ID)
		}
	}
	if replace {
		return nil
	}
	for _, old := range r.questions {
		if len(r.history[old.ID]) == 0 {
			continue
		}
		i, kept := index[old.ID]
		if !kept {
			return eris.Wrapf(ErrConflict, "question %s has jobs and cannot be dropped", old.ID)
		}
		if !sameQuestion(old, qs[i]) {
			return eris.Wrapf(ErrConflict, "question %s has jobs and cannot be changed", old.ID)
		}
	}
	return nil
}

func sameQuestion(a, b model.Question) bool {
	return a.ID == b.ID &&
		a.Number == b.Number &&
		a.StemText == b.StemText &&
		slices.Equal(a.Options, b.Options) &&
		a.QuestionType == b.QuestionType &&
		(a.GoldAnswer == nil) == (b.GoldAnswer == nil) &&
		(a.GoldAnswer == nil || *a.GoldAnswer == *b.GoldAnswer)
}

// RunIDs lists registered runs.
func (s *Store) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// Question returns one registered question.
func (s *Store) Question(runID, questionID string) (model.Question, error) {
	r, err := s.run(runID)
	if err != nil {
		return model.Question{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.qIndex[questionID]
	if !ok {
		return model.Question{}, eris.Wrapf(ErrQuestionNotFound, "question %s in run %s", questionID, runID)
	}
	return r.questions[i], nil
}

// Begin creates a pending job for a question, superseding its previous job
// if that job is terminal. It returns ErrConflict while the current job is
// still in flight.
func (s *Store) Begin(ctx context.Context, runID, questionID string, spec JobSpec) (*model.GenerationJob, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.qIndex[questionID]; !ok {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrQuestionNotFound, "question %s in run %s", questionID, runID)
	}
	if cur, ok := r.current[questionID]; ok && cur.Status.InFlight() {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrConflict, "question %s has job %s (%s)", questionID, cur.ID, cur.Status)
	}

	now := s.now()
	job := &model.GenerationJob{
		ID:                   uuid.New().String(),
		RunID:                runID,
		QuestionID:           questionID,
		Status:               model.JobPending,
		K:                    spec.K,
		Strategy:             spec.Strategy,
		MaxAttempts:          spec.MaxAttempts,
		MappingSets:          []model.MappingSet{},
		ValidationOutcomes:   []model.ValidationOutcome{},
		GenerationExceptions: []model.GenerationException{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	r.current[questionID] = job
	r.jobs[job.ID] = job
	r.history[questionID] = append(r.history[questionID], job.ID)
	r.version++
	t := r.ticket()
	r.mu.Unlock()

	r.inOrder(t, func() { s.persistJob(context.WithoutCancel(ctx), job) })
	return job.Clone(), nil
}

// Apply is the single write path for a job. fn receives a private clone and
// may queue log entries and a staged mapping; nothing is visible to readers
// until fn returns nil. The commit is refused with ErrSuperseded when jobID is
// no longer the question's current job. fn runs under the run's write lock
// and must not block.
func (s *Store) Apply(ctx context.Context, runID, jobID string, fn func(m *Mutation) error) (*model.GenerationJob, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	committed, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, eris.Errorf("jobstore: unknown job %s in run %s", jobID, runID)
	}
	if r.current[committed.QuestionID] != committed {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrSuperseded, "job %s", jobID)
	}
	if committed.Status.IsTerminal() {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrJobFinished, "job %s is %s", jobID, committed.Status)
	}

	m := &Mutation{Job: committed.Clone()}
	if err := fn(m); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if m.staged != nil && m.Job.Status != model.JobSuccess {
		r.mu.Unlock()
		return nil, eris.Errorf("jobstore: job %s staged a mapping with status %s", jobID, m.Job.Status)
	}

	now := s.now()
	next := m.Job
	next.ID, next.RunID, next.QuestionID = committed.ID, committed.RunID, committed.QuestionID
	next.UpdatedAt = now
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}

	label := next.QuestionID
	if i, ok := r.qIndex[next.QuestionID]; ok {
		label = r.questions[i].Label()
	}
	firstSeq := len(r.logs)
	for i := range m.logs {
		e := &m.logs[i]
		e.QuestionID = next.QuestionID
		e.JobID = next.ID
		if e.QuestionNumber == "" {
			e.QuestionNumber = label
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
	r.logs = append(r.logs, m.logs...)

	if m.staged != nil {
		m.staged.JobID = next.ID
		m.staged.Status = next.Status
		staged := make(map[string]model.StagedMapping, len(r.staged)+1)
		for k, v := range r.staged {
			staged[k] = v
		}
		staged[next.QuestionID] = *m.staged
		r.staged = staged
	}

	r.current[next.QuestionID] = next
	r.jobs[next.ID] = next
	r.version++
	t := r.ticket()
	r.mu.Unlock()

	// Persist even when the caller is shutting down; the commit already happened.
	pctx := context.WithoutCancel(ctx)
	r.inOrder(t, func() {
		s.persistJob(pctx, next)
		if s.persist == nil {
			return
		}
		if len(m.logs) > 0 {
			if err := s.persist.AppendLogs(pctx, runID, firstSeq, m.logs); err != nil {
				zap.L().Error("jobstore: persist logs failed",
					zap.String("run_id", runID), zap.String("job_id", jobID), zap.Error(err))
			}
		}
		if m.staged != nil {
			if err := s.persist.SaveStaged(pctx, runID, next.QuestionID, *m.staged); err != nil {
				zap.L().Error("jobstore: persist staged mapping failed",
					zap.String("run_id", runID), zap.String("job_id", jobID), zap.Error(err))
			}
		}
	})

	return next.Clone(), nil
}

// View returns a consistent, read-only view of a run.
func (s *Store) View(runID string) (*View, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	v := &View{
		RunID:     r.id,
		Version:   r.version,
		Questions: r.questions,
		Jobs:      make(map[string]*model.GenerationJob, len(r.current)),
		// Capacity is clipped so appends by later commits never alias into
		// this view's backing array.
		Logs:   r.logs[:len(r.logs):len(r.logs)],
		Staged: r.staged,
	}
	for qid, j := range r.current {
		v.Jobs[qid] = j
	}
	return v, nil
}

// Version returns a run's current version without building a view.
func (s *Store) Version(runID string) (uint64, error) {
	r, err := s.run(runID)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version, nil
}

// Job returns a copy of the job with the given id, current or superseded.
func (s *Store) Job(runID, jobID string) (*model.GenerationJob, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, eris.Errorf("jobstore: unknown job %s in run %s", jobID, runID)
	}
	return j.Clone(), nil
}

// History returns every job ever created for a question, oldest first.
func (s *Store) History(runID, questionID string) ([]*model.GenerationJob, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.history[questionID]
	out := make([]*model.GenerationJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.jobs[id].Clone())
	}
	return out, nil
}

func (s *Store) persistJob(ctx context.Context, job *model.GenerationJob) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveJob(ctx, job); err != nil {
		zap.L().Error("jobstore: persist job failed",
			zap.String("run_id", job.RunID),
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}
