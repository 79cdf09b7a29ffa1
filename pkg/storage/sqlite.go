package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const insertRecordSQL = `INSERT INTO attendance_records (
		device_id, device_name, user_id, user_name, timestamp,
		punch_type, verify_method, work_code, raw_punch, raw_verify, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id, user_id, timestamp) DO NOTHING`

const upsertCursorSQL = `INSERT INTO sync_cursors (device_id, watermark, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		watermark = MAX(sync_cursors.watermark, excluded.watermark),
		updated_at = excluded.updated_at`

// SQLiteStore is the default single-file record store.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := newSQLiteStore(db, path, logger)
	s.logger.Debug().Str("path", path).Msg("sqlite store ready")
	return s, nil
}

func newSQLiteStore(db *sql.DB, path string, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "storage").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for retention cutoffs and row stamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Name returns the database path.
func (s *SQLiteStore) Name() string {
	if s == nil || s.path == "" {
		return "sqlite"
	}
	return s.path
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// LastSyncCursor returns the newest timestamp ever saved for deviceID, or
// the zero time when nothing was saved. Retention cleanup does not lower it.
func (s *SQLiteStore) LastSyncCursor(ctx context.Context, deviceID string) (time.Time, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM sync_cursors WHERE device_id = ?`, deviceID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "storage: query cursor for %s failed", deviceID)
	}
	return fromUnix(latest), nil
}

// SaveRecords inserts events in one transaction, ignoring duplicates of
// (device_id, user_id, timestamp), and advances the device cursor in the
// same transaction. It returns the number of new rows.
func (s *SQLiteStore) SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: begin transaction failed")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: prepare insert failed")
	}
	defer stmt.Close()

	created := s.now().Unix()
	inserted := 0
	for _, e := range events {
		args := recordArgs(e, deviceID, created)
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, pkgerrors.Wrapf(err, "storage: insert record failed: %s", FormatSQLForLog(insertRecordSQL, args...))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, pkgerrors.Wrap(err, "storage: read affected rows failed")
		}
		inserted += int(n)
	}
	for _, w := range watermarks(events, deviceID) {
		if _, err := tx.ExecContext(ctx, upsertCursorSQL, w.deviceID, w.ts, created); err != nil {
			return 0, pkgerrors.Wrapf(err, "storage: advance cursor failed: %s", FormatSQLForLog(upsertCursorSQL, w.deviceID, w.ts, created))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.Wrap(err, "storage: commit records failed")
	}
	s.logger.Debug().Str("device_id", deviceID).Int("received", len(events)).Int("inserted", inserted).Msg("records saved")
	return inserted, nil
}

// CleanupOlderThan deletes records whose punch time is more than days old.
// Non-positive days disable retention.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := cleanupCutoff(s.now(), days).Unix()
	query := `DELETE FROM attendance_records WHERE timestamp < ?`
	var removed int64
	err := execWithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "storage: cleanup failed: %s", FormatSQLForLog(query, cutoff))
	}
	return removed, nil
}

// Statistics summarizes stored records overall and per device.
func (s *SQLiteStore) Statistics(ctx context.Context) (attendance.SyncStatistics, error) {
	var (
		stats          attendance.SyncStatistics
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM attendance_records`).
		Scan(&stats.TotalRecords, &oldest, &newest)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "storage: query totals failed")
	}
	stats.OldestRecord = fromUnix(oldest.Int64)
	stats.NewestRecord = fromUnix(newest.Int64)

	rows, err := s.db.QueryContext(ctx, `SELECT device_id, MAX(device_name), COUNT(*), MAX(timestamp)
		FROM attendance_records GROUP BY device_id ORDER BY device_id`)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "storage: query device totals failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d    attendance.DeviceStatistics
			name sql.NullString
			last int64
		)
		if err := rows.Scan(&d.DeviceID, &name, &d.RecordCount, &last); err != nil {
			return stats, pkgerrors.Wrap(err, "storage: scan device totals failed")
		}
		d.DeviceName = name.String
		d.LastRecordAt = fromUnix(last)
		stats.Devices = append(stats.Devices, d)
	}
	if err := rows.Err(); err != nil {
		return stats, pkgerrors.Wrap(err, "storage: iterate device totals failed")
	}
	return stats, nil
}

// RecordDeviceStatus upserts the latest per-device sync outcome.
func (s *SQLiteStore) RecordDeviceStatus(ctx context.Context, statuses []attendance.DeviceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	query := `INSERT INTO device_status (
			device_id, device_name, last_result, last_error, new_records,
			last_sync_at, last_success_at, host_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_result = excluded.last_result,
			last_error = excluded.last_error,
			new_records = excluded.new_records,
			last_sync_at = excluded.last_sync_at,
			last_success_at = CASE WHEN excluded.last_success_at > 0
				THEN excluded.last_success_at ELSE device_status.last_success_at END,
			host_id = excluded.host_id,
			updated_at = excluded.updated_at`
	updated := s.now().Unix()
	return execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: begin status transaction failed")
		}
		defer tx.Rollback() //nolint:errcheck
		for _, st := range statuses {
			if _, err := tx.ExecContext(ctx, query,
				st.DeviceID, st.DeviceName, st.LastResult, st.LastError, st.NewRecords,
				toUnix(st.LastSyncAt), toUnix(st.LastSuccessAt), st.HostID, updated,
			); err != nil {
				return pkgerrors.Wrapf(err, "storage: upsert status for %s failed", st.DeviceID)
			}
		}
		return tx.Commit()
	})
}

// DeviceStatuses lists recorded outcomes ordered by device id.
func (s *SQLiteStore) DeviceStatuses(ctx context.Context) ([]attendance.DeviceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, device_name, last_result, last_error,
		new_records, last_sync_at, last_success_at, host_id FROM device_status ORDER BY device_id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query device status failed")
	}
	defer rows.Close()
	var out []attendance.DeviceStatus
	for rows.Next() {
		var (
			st                 attendance.DeviceStatus
			lastErr, host      sql.NullString
			lastSync, lastSucc int64
		)
		if err := rows.Scan(&st.DeviceID, &st.DeviceName, &st.LastResult, &lastErr,
			&st.NewRecords, &lastSync, &lastSucc, &host); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device status failed")
		}
		st.LastError = lastErr.String
		st.HostID = host.String
		st.LastSyncAt = fromUnix(lastSync)
		st.LastSuccessAt = fromUnix(lastSucc)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate device status failed")
	}
	return out, nil
}

func recordArgs(e attendance.Event, deviceID string, created int64) []any {
	if strings.TrimSpace(e.DeviceID) != "" {
		deviceID = e.DeviceID
	}
	return []any{
		deviceID, e.DeviceName, e.UserID, e.UserName, e.Timestamp.Unix(),
		string(e.PunchType), string(e.VerifyMethod), e.WorkCode, e.RawPunch, e.RawVerify, created,
	}
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// status 命令可能与常驻进程同时访问，等待锁而不是立即失败。
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	// 限制空闲连接，避免旧连接持锁。
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			device_name TEXT,
			user_id TEXT NOT NULL,
			user_name TEXT,
			timestamp INTEGER NOT NULL,
			punch_type TEXT,
			verify_method TEXT,
			work_code INTEGER NOT NULL DEFAULT 0,
			raw_punch INTEGER,
			raw_verify INTEGER,
			created_at INTEGER NOT NULL,
			UNIQUE(device_id, user_id, timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			device_name TEXT NOT NULL,
			last_result TEXT NOT NULL,
			last_error TEXT,
			new_records INTEGER NOT NULL DEFAULT 0,
			last_sync_at INTEGER NOT NULL DEFAULT 0,
			last_success_at INTEGER NOT NULL DEFAULT 0,
			host_id TEXT,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			device_id TEXT PRIMARY KEY,
			watermark INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// Columns added after the first release.
	for _, col := range []struct {
		name string
		typ  string
	}{
		{"raw_punch", "INTEGER"},
		{"raw_verify", "INTEGER"},
	} {
		if err := ensureSQLiteColumn(db, recordsTable, col.name, col.typ); err != nil {
			return err
		}
	}
	// Databases created before sync_cursors existed derive it once from the
	// stored records.
	if _, err := db.Exec(`INSERT OR IGNORE INTO sync_cursors (device_id, watermark, updated_at)
		SELECT device_id, MAX(timestamp), 0 FROM attendance_records GROUP BY device_id`); err != nil {
		return pkgerrors.Wrap(err, "storage: seed sync cursors failed")
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_device_ts ON %s(device_id, timestamp DESC);`, recordsTable, recordsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(timestamp);`, recordsTable, recordsTable),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite indexes failed")
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	query := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.Query(query)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

// execWithRetry retries fn while SQLite reports the database as locked.
func execWithRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		wait := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
