package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

func setupMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := newSQLiteStore(db, "mock", zerolog.Nop())
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s, mock
}

func TestSaveRecordsRollsBackOnInsertError(t *testing.T) {
	s, mock := setupMockStore(t)
	ts := time.Unix(1_699_990_000, 0)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO attendance_records"))
	prep.ExpectExec().
		WithArgs("D1", "gate", "7", "Ann", ts.Unix(), "check-in", "card", 0, 0, 3, int64(1_700_000_000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	events := []attendance.Event{
		{DeviceID: "D1", DeviceName: "gate", UserID: "7", UserName: "Ann", Timestamp: ts,
			PunchType: attendance.PunchCheckIn, VerifyMethod: attendance.VerifyCard, RawVerify: 3},
		{DeviceID: "D1", DeviceName: "gate", UserID: "8", Timestamp: ts.Add(time.Second)},
	}
	n, err := s.SaveRecords(context.Background(), events, "D1")
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Contains(t, err.Error(), "'8'", "failed statement is logged with its arguments")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsAdvancesCursorInTransaction(t *testing.T) {
	s, mock := setupMockStore(t)
	ts := time.Unix(1_699_990_000, 0)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO attendance_records"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_cursors")).
		WithArgs("D1", ts.Add(time.Minute).Unix(), int64(1_700_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events := []attendance.Event{
		{DeviceID: "D1", UserID: "7", Timestamp: ts.Add(time.Minute)},
		{DeviceID: "D1", UserID: "8", Timestamp: ts},
	}
	n, err := s.SaveRecords(context.Background(), events, "D1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastSyncCursorWithoutRowIsZero(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT watermark FROM sync_cursors")).
		WithArgs("D1").
		WillReturnRows(sqlmock.NewRows([]string{"watermark"}))

	cursor, err := s.LastSyncCursor(context.Background(), "D1")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsBeginFailure(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is closed"))

	_, err := s.SaveRecords(context.Background(), []attendance.Event{{UserID: "1"}}, "D1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsEmptyIsNoop(t *testing.T) {
	s, mock := setupMockStore(t)
	n, err := s.SaveRecords(context.Background(), nil, "D1")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastSyncCursorQueryError(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT watermark FROM sync_cursors")).
		WithArgs("D9").
		WillReturnError(errors.New("no such table"))

	_, err := s.LastSyncCursor(context.Background(), "D9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query cursor for D9")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupRetriesWhenBusy(t *testing.T) {
	s, mock := setupMockStore(t)
	cutoff := time.Unix(1_700_000_000, 0).AddDate(0, 0, -30).Unix()
	del := regexp.QuoteMeta("DELETE FROM attendance_records WHERE timestamp < ?")

	mock.ExpectExec(del).WithArgs(cutoff).WillReturnError(errors.New("database is locked"))
	mock.ExpectExec(del).WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 5))

	removed, err := s.CleanupOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 5, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFormatSQLForLog(t *testing.T) {
	got := FormatSQLForLog("SELECT * FROM t WHERE a = ? AND b = ?", "x'y", 3)
	assert.Equal(t, "SELECT * FROM t WHERE a = 'x''y' AND b = 3", got)

	got = FormatSQLForLog("DELETE FROM t WHERE ts < $1 AND d = $2", int64(10), "D1")
	assert.Equal(t, "DELETE FROM t WHERE ts < 10 AND d = 'D1'", got)

	got = FormatSQLForLog("SELECT 1", nil)
	assert.Equal(t, "SELECT 1 /* args: NULL */", got)
}
