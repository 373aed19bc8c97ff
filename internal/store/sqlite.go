package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mapgen/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_questions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	body        TEXT NOT NULL,
	PRIMARY KEY (run_id, question_id)
);

CREATE TABLE IF NOT EXISTS generation_jobs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	body        TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_logs (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	seq         INTEGER NOT NULL,
	question_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	body        TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS staged_mappings (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	question_id TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	body        TEXT NOT NULL,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (run_id, question_id)
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_run ON generation_jobs(run_id, question_id, created_at);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, runID string, questions []model.Question) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save run")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		runID, now, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert run %s", runID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_questions WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear questions for run %s", runID)
	}

	for i, q := range questions {
		body, err := json.Marshal(q)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal question")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_questions (run_id, question_id, position, body) VALUES (?, ?, ?, ?)`,
			runID, q.ID, i, string(body),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert question %s", q.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save run")
}

func (s *SQLiteStore) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*RunState, error) {
	rs := &RunState{RunID: runID, Staged: map[string]model.StagedMapping{}}

	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM runs WHERE id = ?`, runID).Scan(&rs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM run_questions WHERE run_id = ? ORDER BY position`, runID,
		func(body []byte) error {
			var q model.Question
			if err := json.Unmarshal(body, &q); err != nil {
				return eris.Wrap(err, "sqlite: unmarshal question")
			}
			rs.Questions = append(rs.Questions, q)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM generation_jobs WHERE run_id = ? ORDER BY created_at, id`, runID,
		func(body []byte) error {
			var j model.GenerationJob
			if err := json.Unmarshal(body, &j); err != nil {
				return eris.Wrap(err, "sqlite: unmarshal job")
			}
			rs.Jobs = append(rs.Jobs, j)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM generation_logs WHERE run_id = ? ORDER BY seq`, runID,
		func(body []byte) error {
			var e model.EventLogEntry
			if err := json.Unmarshal(body, &e); err != nil {
				return eris.Wrap(err, "sqlite: unmarshal log entry")
			}
			rs.Logs = append(rs.Logs, e)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.queryBodies(ctx,
		`SELECT body FROM staged_mappings WHERE run_id = ?`, runID,
		func(body []byte) error {
			var sm stagedRow
			if err := json.Unmarshal(body, &sm); err != nil {
				return eris.Wrap(err, "sqlite: unmarshal staged mapping")
			}
			rs.Staged[sm.QuestionID] = sm.StagedMapping
			return nil
		}); err != nil {
		return nil, err
	}

	return rs, nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.GenerationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generation_jobs (id, run_id, question_id, status, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`,
		job.ID, job.RunID, job.QuestionID, string(job.Status), string(body), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) AppendLogs(ctx context.Context, runID string, firstSeq int, entries []model.EventLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append logs")
	}
	defer tx.Rollback() //nolint:errcheck

	for i, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal log entry")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generation_logs (run_id, seq, question_id, stage, body) VALUES (?, ?, ?, ?, ?)`,
			runID, firstSeq+i, e.QuestionID, string(e.Stage), string(body),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert log seq %d", firstSeq+i)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append logs")
}

func (s *SQLiteStore) SaveStaged(ctx context.Context, runID, questionID string, staged model.StagedMapping) error {
	body, err := json.Marshal(stagedRow{QuestionID: questionID, StagedMapping: staged})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal staged mapping")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staged_mappings (run_id, question_id, job_id, body, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, question_id) DO UPDATE SET job_id = excluded.job_id, body = excluded.body, updated_at = excluded.updated_at`,
		runID, questionID, staged.JobID, string(body), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save staged mapping %s/%s", runID, questionID)
}

// helpers

// stagedRow is the persisted form of a staged mapping; it keeps the question
// id next to the mapping so LoadRun can rebuild the map from bodies alone.
type stagedRow struct {
	QuestionID string `json:"question_id"`
	model.StagedMapping
}

func (s *SQLiteStore) queryBodies(ctx context.Context, query, runID string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: query run %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return eris.Wrap(err, "sqlite: scan body")
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate bodies")
}
