package attendagent

//go:generate mockgen -destination=internal/mocks/mock_attendagent.go -package=mocks github.com/httprunner/AttendAgent DeviceClient,RecordStore

import (
	"context"
	"time"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

// DeviceClient is the terminal side of a sync pass.
type DeviceClient interface {
	Connect(ctx context.Context, d attendance.Device, timeout time.Duration) error
	// Disconnect is idempotent and safe for devices that were never connected.
	Disconnect(deviceID string)
	DisconnectAll()
	TestConnection(ctx context.Context, d attendance.Device) (bool, string)
	FetchUsers(ctx context.Context, d attendance.Device) ([]attendance.User, error)
	// FetchEvents returns events strictly newer than since; a zero since
	// means full history.
	FetchEvents(ctx context.Context, d attendance.Device, since time.Time) ([]attendance.Event, error)
	DeviceInfo(ctx context.Context, d attendance.Device) (attendance.DeviceInfo, error)
	OpenConnections() int
}

// RecordStore owns cursors and retention.
type RecordStore interface {
	// LastSyncCursor returns the zero time when the device was never synced.
	LastSyncCursor(ctx context.Context, deviceID string) (time.Time, error)
	SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Statistics(ctx context.Context) (attendance.SyncStatistics, error)
	Close() error
}

// DeviceRecorder receives per-device outcomes after every pass so that other
// processes (the status command) can report them.
type DeviceRecorder interface {
	RecordDeviceStatus(ctx context.Context, statuses []attendance.DeviceStatus) error
}

type noopRecorder struct{}

func (noopRecorder) RecordDeviceStatus(context.Context, []attendance.DeviceStatus) error { return nil }

// DeviceStatusReader is implemented by stores that persist device outcomes.
type DeviceStatusReader interface {
	DeviceStatuses(ctx context.Context) ([]attendance.DeviceStatus, error)
}
