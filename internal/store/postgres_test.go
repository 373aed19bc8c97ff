package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapgen/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT created_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	rs, err := s.LoadRun(context.Background(), "nonexistent-run")
	require.NoError(t, err)
	assert.Nil(t, rs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadRun_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT created_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnError(errors.New("connection refused"))

	_, err := s.LoadRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadRun_Full(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT created_at FROM runs`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectQuery(`SELECT body FROM run_questions`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"id":"q1","number":"1","stem_text":"What is 2+2?","gold_answer":"4","question_type":"mcq"}`)))
	mock.ExpectQuery(`SELECT body FROM generation_jobs`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"id":"job-a","run_id":"run-1","question_id":"q1","status":"success","retry_count":1}`)))
	mock.ExpectQuery(`SELECT body FROM generation_logs`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"question_number":"1","question_id":"q1","stage":"generation","status":"success"}`)))
	mock.ExpectQuery(`SELECT body FROM staged_mappings`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"question_id":"q1","job_id":"job-a","status":"success","staged_mapping":{"original":"2","replacement":"two"},"validation_summary":{"confidence":0.9,"deviation_score":0.1}}`)))

	rs, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.Len(t, rs.Questions, 1)
	assert.Equal(t, "4", *rs.Questions[0].GoldAnswer)
	require.Len(t, rs.Jobs, 1)
	assert.Equal(t, 1, rs.Jobs[0].RetryCount)
	require.Len(t, rs.Logs, 1)
	assert.Equal(t, model.StageGeneration, rs.Logs[0].Stage)
	assert.Equal(t, "two", rs.Staged["q1"].StagedMapping.Replacement)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_CopiesQuestions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs("run-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM run_questions WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"run_questions"}, []string{"run_id", "question_id", "position", "body"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveRun(context.Background(), "run-1", testQuestions()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_CopyErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM run_questions`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"run_questions"}, []string{"run_id", "question_id", "position", "body"}).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.SaveRun(context.Background(), "run-1", testQuestions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy questions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := testJob("job-a", "q1", model.JobValidating, time.Now().UTC())

	mock.ExpectExec(`INSERT INTO generation_jobs`).
		WithArgs("job-a", "run-1", "q1", "validating", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLogs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO generation_logs`).
		WithArgs("run-1", 4, "q1", "generation", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO generation_logs`).
		WithArgs("run-1", 5, "q1", "validation", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.AppendLogs(context.Background(), "run-1", 4, []model.EventLogEntry{
		{QuestionID: "q1", Stage: model.StageGeneration},
		{QuestionID: "q1", Stage: model.StageValidation},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveStaged_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO staged_mappings`).
		WithArgs("run-1", "q1", "job-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("constraint violation"))

	err := s.SaveStaged(context.Background(), "run-1", "q1", model.StagedMapping{JobID: "job-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save staged mapping run-1/q1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRunIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM runs ORDER BY created_at, id`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("run-1").AddRow("run-2"))

	ids, err := s.ListRunIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
