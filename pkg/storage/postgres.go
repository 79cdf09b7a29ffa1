package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const pgInsertRecordSQL = `INSERT INTO attendance_records (
		device_id, device_name, user_id, user_name, timestamp,
		punch_type, verify_method, work_code, raw_punch, raw_verify, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (device_id, user_id, timestamp) DO NOTHING`

const pgUpsertCursorSQL = `INSERT INTO sync_cursors (device_id, watermark, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (device_id) DO UPDATE SET
		watermark = GREATEST(sync_cursors.watermark, EXCLUDED.watermark),
		updated_at = EXCLUDED.updated_at`

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		device_name TEXT,
		user_id TEXT NOT NULL,
		user_name TEXT,
		timestamp BIGINT NOT NULL,
		punch_type TEXT,
		verify_method TEXT,
		work_code INTEGER NOT NULL DEFAULT 0,
		raw_punch INTEGER,
		raw_verify INTEGER,
		created_at BIGINT NOT NULL,
		UNIQUE (device_id, user_id, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_records_device_ts ON attendance_records (device_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS device_status (
		device_id TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		last_result TEXT NOT NULL,
		last_error TEXT,
		new_records INTEGER NOT NULL DEFAULT 0,
		last_sync_at BIGINT NOT NULL DEFAULT 0,
		last_success_at BIGINT NOT NULL DEFAULT 0,
		host_id TEXT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		device_id TEXT PRIMARY KEY,
		watermark BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`INSERT INTO sync_cursors (device_id, watermark, updated_at)
		SELECT device_id, MAX(timestamp), 0 FROM attendance_records GROUP BY device_id
		ON CONFLICT (device_id) DO NOTHING`,
}

// pgxPool is the part of *pgxpool.Pool the store uses.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// PostgresStore keeps records in a shared Postgres database.
type PostgresStore struct {
	pool   pgxPool
	name   string
	logger zerolog.Logger
	now    func() time.Time
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, pkgerrors.New("storage: postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: parse postgres dsn failed")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: connect postgres failed")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "storage: ping postgres failed")
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, pkgerrors.Wrap(err, "storage: init postgres schema failed")
		}
	}
	return newPostgresStore(pool, "postgres://"+cfg.ConnConfig.Host+"/"+cfg.ConnConfig.Database, logger), nil
}

func newPostgresStore(pool pgxPool, name string, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		name:   name,
		logger: logger.With().Str("component", "storage").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for retention cutoffs and row stamps.
func (s *PostgresStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *PostgresStore) Name() string { return s.name }

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// LastSyncCursor reads the device watermark; retention cleanup does not
// lower it.
func (s *PostgresStore) LastSyncCursor(ctx context.Context, deviceID string) (time.Time, error) {
	var latest int64
	err := s.pool.QueryRow(ctx,
		`SELECT watermark FROM sync_cursors WHERE device_id = $1`, deviceID).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "storage: query cursor for %s failed", deviceID)
	}
	return fromUnix(latest), nil
}

func (s *PostgresStore) SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	created := s.now().Unix()
	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range events {
			batch.Queue(pgInsertRecordSQL, recordArgs(e, deviceID, created)...)
		}
		marks := watermarks(events, deviceID)
		for _, w := range marks {
			batch.Queue(pgUpsertCursorSQL, w.deviceID, w.ts, created)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range events {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				args := recordArgs(events[i], deviceID, created)
				return pkgerrors.Wrapf(err, "storage: insert record failed: %s", FormatSQLForLog(pgInsertRecordSQL, args...))
			}
			inserted += int(tag.RowsAffected())
		}
		for _, w := range marks {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return pkgerrors.Wrapf(err, "storage: advance cursor failed: %s", FormatSQLForLog(pgUpsertCursorSQL, w.deviceID, w.ts, created))
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Str("device_id", deviceID).Int("received", len(events)).Int("inserted", inserted).Msg("records saved")
	return inserted, nil
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := cleanupCutoff(s.now(), days).Unix()
	tag, err := s.pool.Exec(ctx, `DELETE FROM attendance_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: cleanup failed")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Statistics(ctx context.Context) (attendance.SyncStatistics, error) {
	var (
		stats          attendance.SyncStatistics
		oldest, newest *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM attendance_records`).
		Scan(&stats.TotalRecords, &oldest, &newest)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "storage: query totals failed")
	}
	if oldest != nil {
		stats.OldestRecord = fromUnix(*oldest)
	}
	if newest != nil {
		stats.NewestRecord = fromUnix(*newest)
	}
	rows, err := s.pool.Query(ctx, `SELECT device_id, COALESCE(MAX(device_name), ''), COUNT(*), MAX(timestamp)
		FROM attendance_records GROUP BY device_id ORDER BY device_id`)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "storage: query device totals failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d    attendance.DeviceStatistics
			last int64
		)
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &d.RecordCount, &last); err != nil {
			return stats, pkgerrors.Wrap(err, "storage: scan device totals failed")
		}
		d.LastRecordAt = fromUnix(last)
		stats.Devices = append(stats.Devices, d)
	}
	return stats, pkgerrors.Wrap(rows.Err(), "storage: iterate device totals failed")
}

func (s *PostgresStore) RecordDeviceStatus(ctx context.Context, statuses []attendance.DeviceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	updated := s.now().Unix()
	batch := &pgx.Batch{}
	for _, st := range statuses {
		batch.Queue(`INSERT INTO device_status (
				device_id, device_name, last_result, last_error, new_records,
				last_sync_at, last_success_at, host_id, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (device_id) DO UPDATE SET
				device_name = EXCLUDED.device_name,
				last_result = EXCLUDED.last_result,
				last_error = EXCLUDED.last_error,
				new_records = EXCLUDED.new_records,
				last_sync_at = EXCLUDED.last_sync_at,
				last_success_at = GREATEST(EXCLUDED.last_success_at, device_status.last_success_at),
				host_id = EXCLUDED.host_id,
				updated_at = EXCLUDED.updated_at`,
			st.DeviceID, st.DeviceName, st.LastResult, st.LastError, st.NewRecords,
			toUnix(st.LastSyncAt), toUnix(st.LastSuccessAt), st.HostID, updated)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return pkgerrors.Wrap(err, "storage: upsert device status failed")
	}
	return nil
}

func (s *PostgresStore) DeviceStatuses(ctx context.Context) ([]attendance.DeviceStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id, device_name, last_result, COALESCE(last_error, ''),
		new_records, last_sync_at, last_success_at, COALESCE(host_id, '') FROM device_status ORDER BY device_id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query device status failed")
	}
	defer rows.Close()
	var out []attendance.DeviceStatus
	for rows.Next() {
		var (
			st                 attendance.DeviceStatus
			lastSync, lastSucc int64
		)
		if err := rows.Scan(&st.DeviceID, &st.DeviceName, &st.LastResult, &st.LastError,
			&st.NewRecords, &lastSync, &lastSucc, &st.HostID); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device status failed")
		}
		st.LastSyncAt = fromUnix(lastSync)
		st.LastSuccessAt = fromUnix(lastSucc)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate device status failed")
	}
	return out, nil
}
