package retriever

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLogStore(t *testing.T) (*SQLLogStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLLogStore(sqlx.NewDb(db, "sqlmock"), logr.Discard()), mock
}

func TestSQLLogStore_EnsureSchemaCreatesTable(t *testing.T) {
	store, mock := newMockLogStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS retrieval_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLogStore_AddInsertsRow(t *testing.T) {
	store, mock := newMockLogStore(t)

	startedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := RetrievalLog{
		RetrievedSince: startedAt.Add(-time.Hour),
		Count:          3,
		Duration:       1500 * time.Millisecond,
		StartedAt:      startedAt,
	}

	mock.ExpectExec("INSERT INTO retrieval_log").
		WithArgs(entry.StartedAt, entry.RetrievedSince, 3, 1.5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Add(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLogStore_AddWrapsFailure(t *testing.T) {
	store, mock := newMockLogStore(t)
	mock.ExpectExec("INSERT INTO retrieval_log").
		WillReturnError(errors.New("connection reset"))

	err := store.Add(context.Background(), RetrievalLog{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrieval log")
}

func TestSQLLogStore_LatestReadsNewestRow(t *testing.T) {
	store, mock := newMockLogStore(t)

	startedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	since := startedAt.Add(-time.Hour)
	rows := sqlmock.NewRows(
		[]string{"started_at", "retrieved_since", "update_count", "duration_seconds"}).
		AddRow(startedAt, since, 3, 1.5)
	mock.ExpectQuery("FROM retrieval_log ORDER BY id DESC").WillReturnRows(rows)

	entry, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, since, entry.RetrievedSince)
	assert.Equal(t, 3, entry.Count)
	assert.Equal(t, 1500*time.Millisecond, entry.Duration)
	assert.Equal(t, startedAt, entry.StartedAt)
}

func TestSQLLogStore_LatestOnEmptyLogIsNil(t *testing.T) {
	store, mock := newMockLogStore(t)
	mock.ExpectQuery("FROM retrieval_log").WillReturnError(sql.ErrNoRows)

	entry, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
}
