package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapgen/internal/model"
)

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLite(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_StateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.SaveRun(ctx, "run-1", testQuestions()))
	require.NoError(t, st.SaveJob(ctx, testJob("job-a", "q1", model.JobSuccess, time.Now().UTC())))
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))

	ids, err := st.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)

	rs, err := st.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rs.Jobs, 1)
	assert.Equal(t, model.JobSuccess, rs.Jobs[0].Status)
}

func TestSQLite_ListRunIDs_Empty(t *testing.T) {
	st := newTestSQLite(t)

	ids, err := st.ListRunIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLite_ClosedDatabaseErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "closed.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Close())

	err = st.SaveRun(context.Background(), "run-1", testQuestions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite:")
}
