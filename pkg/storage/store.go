// Package storage persists attendance events with per-device cursors.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const (
	envDBPath         = "ATTEND_DB_PATH"
	defaultDBDirName  = ".attendagent"
	defaultDBFileName = "attendance.sqlite"

	recordsTable = "attendance_records"
	statusTable  = "device_status"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates the backing database.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"`
	// Path is the SQLite file; empty resolves ATTEND_DB_PATH or ~/.attendagent.
	Path string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty" json:"-"`
}

// Store is the record store used by the orchestrator.
type Store interface {
	LastSyncCursor(ctx context.Context, deviceID string) (time.Time, error)
	SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Statistics(ctx context.Context) (attendance.SyncStatistics, error)
	RecordDeviceStatus(ctx context.Context, statuses []attendance.DeviceStatus) error
	DeviceStatuses(ctx context.Context) ([]attendance.DeviceStatus, error)
	Name() string
	Close() error
}

// Open builds the store selected by cfg.Driver, defaulting to SQLite.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite, "sqlite3":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			var err error
			if path, err = ResolveDatabasePath(); err != nil {
				return nil, err
			}
		} else if err := ensureDirExists(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return OpenSQLite(path, logger)
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, pkgerrors.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

// ResolveDatabasePath returns the SQLite file path, creating the parent
// directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

// watermark is the newest saved punch of one device. It lives in its own
// table so retention cleanup never moves a cursor backwards.
type watermark struct {
	deviceID string
	ts       int64
}

// watermarks returns the per-device maximum timestamp of events in first
// seen order, resolving the device the same way recordArgs does.
func watermarks(events []attendance.Event, deviceID string) []watermark {
	var out []watermark
	index := make(map[string]int)
	for _, e := range events {
		id := deviceID
		if strings.TrimSpace(e.DeviceID) != "" {
			id = e.DeviceID
		}
		ts := e.Timestamp.Unix()
		if i, ok := index[id]; ok {
			if ts > out[i].ts {
				out[i].ts = ts
			}
			continue
		}
		index[id] = len(out)
		out = append(out, watermark{deviceID: id, ts: ts})
	}
	return out
}

// cleanupCutoff returns the instant before which records are expired.
func cleanupCutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func toUnix(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
