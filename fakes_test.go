package attendagent

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/internal/config"
	"github.com/httprunner/AttendAgent/pkg/attendance"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

func dev(id string, enabled bool) attendance.Device {
	return attendance.Device{DeviceID: id, Name: "Terminal " + id, Host: "10.0.0.1", Port: 4370, Enabled: enabled}
}

func testConfig(devices ...attendance.Device) *config.Config {
	cfg := config.Default()
	cfg.Settings.InterDeviceDelayMS = 0
	cfg.Devices = devices
	return cfg
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o600)
}

func punch(deviceID, userID string, ts time.Time) attendance.Event {
	return attendance.Event{
		DeviceID:  deviceID,
		UserID:    userID,
		UserName:  "User_" + userID,
		Timestamp: ts,
		PunchType: attendance.PunchCheckIn,
	}
}

// openPinnedSQLite opens a SQLite store whose retention clock reads now, so
// fixtures dated around t0 do not expire against the wall clock.
func openPinnedSQLite(t *testing.T, path string, now time.Time) *storage.SQLiteStore {
	t.Helper()
	st, err := storage.OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	st.SetClock(func() time.Time { return now })
	return st
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, client DeviceClient, store RecordStore, tweak ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Logger:     zerolog.Nop(),
		ConfigPath: "devices.yaml",
		HostID:     "test-host",
		LoadConfig: func(string) (*config.Config, error) { return cfg, nil },
		NewDeviceClient: func(*config.Config, zerolog.Logger) (DeviceClient, error) {
			return client, nil
		},
		NewRecordStore: func(context.Context, *config.Config, zerolog.Logger) (RecordStore, error) {
			return store, nil
		},
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	o, err := NewOrchestrator(opts)
	require.NoError(t, err)
	require.NoError(t, o.Initialize(context.Background()))
	return o
}

// fakeDeviceClient keeps per-device event lists and records every call.
type fakeDeviceClient struct {
	mu       sync.Mutex
	events   map[string][]attendance.Event
	failTest map[string]string
	// ignoreSince returns every event regardless of the cursor.
	ignoreSince bool
	onFetch     func(ctx context.Context, d attendance.Device)

	open          map[string]bool
	maxOpen       int
	calls         []string
	disconnectAll int
}

func newFakeDeviceClient() *fakeDeviceClient {
	return &fakeDeviceClient{
		events:   make(map[string][]attendance.Event),
		failTest: make(map[string]string),
		open:     make(map[string]bool),
	}
}

func (f *fakeDeviceClient) add(deviceID string, events ...attendance.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[deviceID] = append(f.events[deviceID], events...)
}

func (f *fakeDeviceClient) record(call, deviceID string) {
	f.calls = append(f.calls, call+":"+deviceID)
}

func (f *fakeDeviceClient) openLocked(deviceID string) {
	f.open[deviceID] = true
	if len(f.open) > f.maxOpen {
		f.maxOpen = len(f.open)
	}
}

func (f *fakeDeviceClient) Connect(ctx context.Context, d attendance.Device, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect", d.DeviceID)
	f.openLocked(d.DeviceID)
	return nil
}

func (f *fakeDeviceClient) Disconnect(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect", deviceID)
	delete(f.open, deviceID)
}

func (f *fakeDeviceClient) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectAll++
	f.open = make(map[string]bool)
}

func (f *fakeDeviceClient) TestConnection(ctx context.Context, d attendance.Device) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("test", d.DeviceID)
	if msg, ok := f.failTest[d.DeviceID]; ok {
		return false, "Connection failed: " + msg
	}
	f.openLocked(d.DeviceID)
	delete(f.open, d.DeviceID)
	return true, "Connection successful"
}

func (f *fakeDeviceClient) FetchUsers(ctx context.Context, d attendance.Device) ([]attendance.User, error) {
	return nil, nil
}

func (f *fakeDeviceClient) FetchEvents(ctx context.Context, d attendance.Device, since time.Time) ([]attendance.Event, error) {
	f.mu.Lock()
	f.record("fetch", d.DeviceID)
	f.openLocked(d.DeviceID)
	var out []attendance.Event
	for _, e := range f.events[d.DeviceID] {
		if f.ignoreSince || since.IsZero() || e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, d)
	}
	return out, nil
}

func (f *fakeDeviceClient) DeviceInfo(ctx context.Context, d attendance.Device) (attendance.DeviceInfo, error) {
	return attendance.DeviceInfo{DeviceID: d.DeviceID, Name: d.Name}, nil
}

func (f *fakeDeviceClient) OpenConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeDeviceClient) callsFor(deviceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(deviceID) && c[len(c)-len(deviceID)-1:] == ":"+deviceID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDeviceClient) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > 6 && c[:6] == "fetch:" {
			out = append(out, c[6:])
		}
	}
	return out
}

// memoryStore is an in-memory RecordStore keyed like the SQL schema.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]attendance.Event
	cursors  []cursorRead
	saved    map[string][]attendance.Event
	cleanups int
	saveErr  map[string]error
	statuses []attendance.DeviceStatus
	closed   bool
}

type cursorRead struct {
	deviceID string
	cursor   time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[string]attendance.Event),
		saved:   make(map[string][]attendance.Event),
		saveErr: make(map[string]error),
	}
}

func (m *memoryStore) LastSyncCursor(ctx context.Context, deviceID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cursor time.Time
	for _, e := range m.records {
		if e.DeviceID == deviceID && e.Timestamp.After(cursor) {
			cursor = e.Timestamp
		}
	}
	m.cursors = append(m.cursors, cursorRead{deviceID: deviceID, cursor: cursor})
	return cursor, nil
}

func (m *memoryStore) SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveErr[deviceID]; err != nil {
		return 0, err
	}
	m.saved[deviceID] = append(m.saved[deviceID], events...)
	n := 0
	for _, e := range events {
		key := fmt.Sprintf("%s|%s|%d", deviceID, e.UserID, e.Timestamp.Unix())
		if _, dup := m.records[key]; dup {
			continue
		}
		e.DeviceID = deviceID
		m.records[key] = e
		n++
	}
	return n, nil
}

func (m *memoryStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return 0, nil
}

func (m *memoryStore) Statistics(ctx context.Context) (attendance.SyncStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := attendance.SyncStatistics{TotalRecords: int64(len(m.records))}
	perDevice := map[string]int64{}
	for _, e := range m.records {
		perDevice[e.DeviceID]++
	}
	ids := make([]string, 0, len(perDevice))
	for id := range perDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		stats.Devices = append(stats.Devices, attendance.DeviceStatistics{DeviceID: id, RecordCount: perDevice[id]})
	}
	return stats, nil
}

func (m *memoryStore) RecordDeviceStatus(ctx context.Context, statuses []attendance.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statuses...)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

func (m *memoryStore) cleanupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanups
}
