package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "run_questions", []string{"run_id", "question_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Pool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	var _ Pool = mock

	mock.ExpectCopyFrom(pgx.Identifier{"run_questions"}, []string{"run_id", "question_id"}).WillReturnResult(2)

	rows := [][]any{{"run-1", "q1"}, {"run-1", "q2"}}
	n, err := CopyFrom(context.Background(), mock, "run_questions", []string{"run_id", "question_id"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"run_questions"}, []string{"run_id"}).WillReturnResult(1)
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	n, err := CopyFrom(ctx, tx, "run_questions", []string{"run_id"}, [][]any{{"run-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"run_questions"}, []string{"run_id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "run_questions", []string{"run_id"}, [][]any{{"run-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO run_questions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
