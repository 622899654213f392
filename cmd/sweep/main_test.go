package main

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
)

var sweepNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newMockBackend(t *testing.T) (*cache.PostgresBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return cache.NewPostgresBackend(mock, clockwork.NewFakeClockAt(sweepNow), nil), mock
}

func expectBatch(mock pgxmock.PgxPoolIface, ids ...int64) {
	rows := pgxmock.NewRows([]string{"id", "cache_key", "cache_type"})
	for _, id := range ids {
		rows.AddRow(id, "oakland:2025", "weekly")
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, cache_key, cache_type FROM cache_entries WHERE expires_at < $1 ORDER BY id LIMIT 2")).
		WithArgs(sweepNow.UnixMilli()).
		WillReturnRows(rows)
	for _, id := range ids {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cache_entries WHERE id = $1")).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
	}
}

func TestSweep_DrainsBatches(t *testing.T) {
	b, mock := newMockBackend(t)
	expectBatch(mock, 1, 2)
	expectBatch(mock, 3)

	n, err := sweep(context.Background(), b, sweepNow, 2, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_EmptyTable(t *testing.T) {
	b, mock := newMockBackend(t)
	expectBatch(mock)

	n, err := sweep(context.Background(), b, sweepNow, 2, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_DeleteErrorStops(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, cache_key, cache_type FROM cache_entries WHERE expires_at < $1 ORDER BY id LIMIT 2")).
		WithArgs(sweepNow.UnixMilli()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "cache_key", "cache_type"}).
			AddRow(int64(7), "oakland:2025", "stats").
			AddRow(int64(8), "oakland:2024", "stats"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cache_entries WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnError(errors.New("connection reset"))

	n, err := sweep(context.Background(), b, sweepNow, 2, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete 7")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_OnceWithoutInterval(t *testing.T) {
	b, mock := newMockBackend(t)
	expectBatch(mock)

	err := run(context.Background(), b, clockwork.NewFakeClockAt(sweepNow), 0, 2, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_IntervalStopsOnCancel(t *testing.T) {
	b, mock := newMockBackend(t)
	expectBatch(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := run(ctx, b, clockwork.NewFakeClockAt(sweepNow), time.Minute, 2, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}
