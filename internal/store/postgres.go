package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/db"
	"github.com/sells-group/mapgen/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the writes every worker issues on each stage transition.
var preparedStatements = map[string]string{
	"save_job": `INSERT INTO generation_jobs (id, run_id, question_id, status, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
	"insert_log": `INSERT INTO generation_logs (run_id, seq, question_id, stage, body) VALUES ($1, $2, $3, $4, $5)`,
	"save_staged": `INSERT INTO staged_mappings (run_id, question_id, job_id, body, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, question_id) DO UPDATE SET job_id = EXCLUDED.job_id, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_questions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	body        JSONB NOT NULL,
	PRIMARY KEY (run_id, question_id)
);

CREATE TABLE IF NOT EXISTS generation_jobs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	body        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_logs (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	seq         INTEGER NOT NULL,
	question_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	body        JSONB NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS staged_mappings (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	body        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, question_id)
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_run ON generation_jobs(run_id, question_id, created_at);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, runID string, questions []model.Question) error {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, created_at, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		runID, now, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert run %s", runID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_questions WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear questions for run %s", runID)
	}

	rows := make([][]any, 0, len(questions))
	for i, q := range questions {
		body, err := json.Marshal(q)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal question")
		}
		rows = append(rows, []any{runID, q.ID, i, body})
	}
	if _, err := db.CopyFrom(ctx, tx, "run_questions", []string{"run_id", "question_id", "position", "body"}, rows); err != nil {
		return eris.Wrapf(err, "postgres: copy questions for run %s", runID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save run")
}

func (s *PostgresStore) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LoadRun(ctx context.Context, runID string) (*RunState, error) {
	rs := &RunState{RunID: runID, Staged: map[string]model.StagedMapping{}}

	err := s.pool.QueryRow(ctx, `SELECT created_at FROM runs WHERE id = $1`, runID).Scan(&rs.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM run_questions WHERE run_id = $1 ORDER BY position`, runID,
		func(body []byte) error {
			var q model.Question
			if err := json.Unmarshal(body, &q); err != nil {
				return eris.Wrap(err, "postgres: unmarshal question")
			}
			rs.Questions = append(rs.Questions, q)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM generation_jobs WHERE run_id = $1 ORDER BY created_at, id`, runID,
		func(body []byte) error {
			var j model.GenerationJob
			if err := json.Unmarshal(body, &j); err != nil {
				return eris.Wrap(err, "postgres: unmarshal job")
			}
			rs.Jobs = append(rs.Jobs, j)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM generation_logs WHERE run_id = $1 ORDER BY seq`, runID,
		func(body []byte) error {
			var e model.EventLogEntry
			if err := json.Unmarshal(body, &e); err != nil {
				return eris.Wrap(err, "postgres: unmarshal log entry")
			}
			rs.Logs = append(rs.Logs, e)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM staged_mappings WHERE run_id = $1`, runID,
		func(body []byte) error {
			var sm stagedRow
			if err := json.Unmarshal(body, &sm); err != nil {
				return eris.Wrap(err, "postgres: unmarshal staged mapping")
			}
			rs.Staged[sm.QuestionID] = sm.StagedMapping
			return nil
		}); err != nil {
		return nil, err
	}

	return rs, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.GenerationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}

	_, err = s.pool.Exec(ctx, preparedStatements["save_job"],
		job.ID, job.RunID, job.QuestionID, string(job.Status), body, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

func (s *PostgresStore) AppendLogs(ctx context.Context, runID string, firstSeq int, entries []model.EventLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append logs")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal log entry")
		}
		if _, err := tx.Exec(ctx, preparedStatements["insert_log"],
			runID, firstSeq+i, e.QuestionID, string(e.Stage), body,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert log seq %d", firstSeq+i)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit append logs")
}

func (s *PostgresStore) SaveStaged(ctx context.Context, runID, questionID string, staged model.StagedMapping) error {
	body, err := json.Marshal(stagedRow{QuestionID: questionID, StagedMapping: staged})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal staged mapping")
	}

	_, err = s.pool.Exec(ctx, preparedStatements["save_staged"],
		runID, questionID, staged.JobID, body, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save staged mapping %s/%s", runID, questionID)
}

func (s *PostgresStore) queryBodies(ctx context.Context, query, runID string, fn func([]byte) error) error {
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: query run %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return eris.Wrap(err, "postgres: scan body")
		}
		if err := fn(body); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: iterate bodies")
}
