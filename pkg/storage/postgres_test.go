package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const envPostgresTestDSN = "ATTEND_TEST_POSTGRES_DSN"

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

type fakeBatchResults struct {
	pgx.BatchResults
	tags  []string
	errAt int
	err   error
	calls int
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	i := r.calls
	r.calls++
	if r.err != nil && i == r.errAt {
		return pgconn.CommandTag{}, r.err
	}
	if i < len(r.tags) {
		return pgconn.NewCommandTag(r.tags[i]), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeBatchResults) Close() error { return nil }

type fakeTx struct {
	pgx.Tx
	pool       *fakePool
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	tx.pool.batches = append(tx.pool.batches, b)
	return tx.pool.results
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type fakePool struct {
	tx      *fakeTx
	results *fakeBatchResults
	batches []*pgx.Batch
	execs   []execCall
	execTag string
	row     rowFunc
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.tx = &fakeTx{pool: p}
	return p.tx, nil
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag(p.execTag), nil
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake pool")
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.row
}

func (p *fakePool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	p.batches = append(p.batches, b)
	return p.results
}

func (p *fakePool) Close() {}

func newFakePostgres(pool *fakePool, now time.Time) *PostgresStore {
	s := newPostgresStore(pool, "postgres://fake/attend", zerolog.Nop())
	s.SetClock(func() time.Time { return now })
	return s
}

func TestPostgresSaveRecordsCountsNewRowsAndAdvancesCursor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := time.Unix(1_699_990_000, 0)
	pool := &fakePool{results: &fakeBatchResults{tags: []string{"INSERT 0 1", "INSERT 0 0", "INSERT 0 1"}}}
	s := newFakePostgres(pool, now)

	events := []attendance.Event{
		{UserID: "7", Timestamp: ts},
		{UserID: "8", Timestamp: ts.Add(time.Minute)},
		{DeviceID: "D2", UserID: "7", Timestamp: ts.Add(-time.Hour)},
	}
	n, err := s.SaveRecords(context.Background(), events, "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NotNil(t, pool.tx)
	assert.True(t, pool.tx.committed)

	require.Len(t, pool.batches, 1)
	queued := pool.batches[0].QueuedQueries
	require.Len(t, queued, 5)
	assert.Equal(t, "D2", queued[2].Arguments[0], "event device id wins over the pass device")
	assert.Contains(t, queued[3].SQL, "sync_cursors")
	assert.Equal(t, []any{"D1", ts.Add(time.Minute).Unix(), now.Unix()}, queued[3].Arguments)
	assert.Equal(t, []any{"D2", ts.Add(-time.Hour).Unix(), now.Unix()}, queued[4].Arguments)
}

func TestPostgresSaveRecordsRollsBackOnInsertError(t *testing.T) {
	pool := &fakePool{results: &fakeBatchResults{errAt: 1, err: errors.New("unique violation")}}
	s := newFakePostgres(pool, time.Unix(1_700_000_000, 0))

	events := []attendance.Event{
		{UserID: "7", Timestamp: time.Unix(1_699_990_000, 0)},
		{UserID: "8", Timestamp: time.Unix(1_699_990_060, 0)},
	}
	n, err := s.SaveRecords(context.Background(), events, "D1")
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "unique violation")
	assert.Contains(t, err.Error(), "'8'")
	assert.True(t, pool.tx.rolledBack)
	assert.False(t, pool.tx.committed)
}

func TestPostgresLastSyncCursor(t *testing.T) {
	pool := &fakePool{row: func(dest ...any) error { return pgx.ErrNoRows }}
	s := newFakePostgres(pool, time.Now())

	cursor, err := s.LastSyncCursor(context.Background(), "D1")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero(), "unknown device has no cursor")

	pool.row = func(dest ...any) error {
		*dest[0].(*int64) = 1_699_990_000
		return nil
	}
	cursor, err = s.LastSyncCursor(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_699_990_000), cursor.Unix())

	pool.row = func(dest ...any) error { return errors.New("connection reset") }
	_, err = s.LastSyncCursor(context.Background(), "D1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query cursor for D1")
}

func TestPostgresCleanupUsesStoreClock(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	pool := &fakePool{execTag: "DELETE 2"}
	s := newFakePostgres(pool, now)

	removed, err := s.CleanupOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	require.Len(t, pool.execs, 1)
	assert.True(t, strings.HasPrefix(pool.execs[0].sql, "DELETE FROM attendance_records"))
	assert.Equal(t, []any{now.AddDate(0, 0, -30).Unix()}, pool.execs[0].args)

	removed, err = s.CleanupOlderThan(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, pool.execs, 1, "retention disabled must not touch the table")
}

func TestPostgresCursorSurvivesRetention(t *testing.T) {
	dsn := os.Getenv(envPostgresTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envPostgresTestDSN)
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	deviceID := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM attendance_records WHERE device_id = $1`, deviceID)
		_, _ = s.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE device_id = $1`, deviceID)
		s.Close()
	})

	now := time.Now().Truncate(time.Second)
	s.SetClock(func() time.Time { return now })
	old := now.AddDate(0, 0, -40)
	events := []attendance.Event{{DeviceID: deviceID, UserID: "1", Timestamp: old}}

	n, err := s.SaveRecords(ctx, events, deviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.SaveRecords(ctx, events, deviceID)
	require.NoError(t, err)
	assert.Zero(t, n, "duplicate punch is not new")

	removed, err := s.CleanupOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	cursor, err := s.LastSyncCursor(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(old), "cursor %s moved after cleanup", cursor)
}
