package device

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/internal/zk"
	"github.com/httprunner/AttendAgent/internal/zk/zktest"
	"github.com/httprunner/AttendAgent/pkg/attendance"
)

var base = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

func startTerminal(t *testing.T, id string, srv *zktest.Server) attendance.Device {
	t.Helper()
	addr := srv.Start(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return attendance.Device{DeviceID: id, Name: "gate-" + id, Host: host, Port: port, Enabled: true, Timezone: "UTC"}
}

func newTestClient(opts Options) *Client {
	opts.Logger = zerolog.Nop()
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return NewClient(opts)
}

func TestFetchEventsMapsAndFilters(t *testing.T) {
	srv := &zktest.Server{Clock: base}
	srv.SetUsers(zk.UserRecord{UID: 1, UserID: "7", Name: "Ann"})
	srv.AddRecords(
		zk.AttendanceRecord{UID: 1, UserID: "7", Timestamp: base, Status: 1, Punch: 0},
		zk.AttendanceRecord{UID: 1, UserID: "7", Timestamp: base.Add(time.Hour), Status: 25, Punch: 1},
		zk.AttendanceRecord{UID: 2, UserID: "8", Timestamp: base.Add(2 * time.Hour), Status: 200, Punch: 9},
	)
	d := startTerminal(t, "D1", srv)
	c := newTestClient(Options{})
	defer c.DisconnectAll()

	events, err := c.FetchEvents(context.Background(), d, base)
	require.NoError(t, err)
	require.Len(t, events, 2, "event at the cursor must be excluded")

	first := events[0]
	assert.Equal(t, "D1", first.DeviceID)
	assert.Equal(t, "gate-D1", first.DeviceName)
	assert.Equal(t, "Ann", first.UserName)
	assert.Equal(t, attendance.PunchCheckOut, first.PunchType)
	assert.Equal(t, attendance.VerifyPalm, first.VerifyMethod)

	unknown := events[1]
	assert.Equal(t, "User_8", unknown.UserName)
	assert.Equal(t, attendance.PunchUnrecognized, unknown.PunchType)
	assert.Equal(t, attendance.VerifyUnrecognized, unknown.VerifyMethod)
	assert.Equal(t, 9, unknown.RawPunch)
	assert.Equal(t, 200, unknown.RawVerify)

	all, err := c.FetchEvents(context.Background(), d, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConnectKeepsSingleSession(t *testing.T) {
	srvA := &zktest.Server{}
	srvB := &zktest.Server{}
	a := startTerminal(t, "A", srvA)
	b := startTerminal(t, "B", srvB)
	c := newTestClient(Options{})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, a, 0))
	require.NoError(t, c.Connect(ctx, a, 0))
	assert.Equal(t, 1, srvA.Connects(), "reconnecting a connected device is a no-op")

	require.NoError(t, c.Connect(ctx, b, 0))
	assert.Equal(t, 1, c.OpenConnections())
	require.Eventually(t, func() bool { return srvA.ActiveSessions() == 0 }, time.Second, 10*time.Millisecond)

	c.DisconnectAll()
	c.Disconnect("B")
	assert.Equal(t, 0, c.OpenConnections())
	require.Eventually(t, func() bool { return srvB.ActiveSessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTestConnection(t *testing.T) {
	srv := &zktest.Server{Clock: base}
	srv.SetUsers(zk.UserRecord{UID: 1, UserID: "1"})
	d := startTerminal(t, "T", srv)
	c := newTestClient(Options{})

	ok, msg := c.TestConnection(context.Background(), d)
	require.True(t, ok, msg)
	assert.Equal(t, "Connection successful. Device time: 2024-06-03 08:00:00, Users: 1, Records: 0", msg)
	assert.Equal(t, 0, c.OpenConnections(), "test must leave the device disconnected")

	states := c.States()
	require.Len(t, states, 1)
	assert.Equal(t, StatusDisconnected, states[0].Status)
}

func TestConnectRetriesAreBounded(t *testing.T) {
	calls := 0
	c := newTestClient(Options{
		MaxRetries: 3,
		Dial: func(ctx context.Context, addr string, opts zk.Options) (*zk.Conn, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	})
	d := attendance.Device{DeviceID: "X", Name: "x", Host: "10.0.0.9"}

	err := c.Connect(context.Background(), d, 0)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "connection refused")

	states := c.States()
	require.Len(t, states, 1)
	assert.Equal(t, StatusError, states[0].Status)

	ok, msg := c.TestConnection(context.Background(), d)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(msg, "Connection failed"), msg)
}

func TestConnectTimeoutDefaults(t *testing.T) {
	var seen []time.Duration
	dial := func(ctx context.Context, addr string, opts zk.Options) (*zk.Conn, error) {
		seen = append(seen, opts.Timeout)
		return nil, errors.New("connection refused")
	}
	d := attendance.Device{DeviceID: "X", Name: "x", Host: "10.0.0.9"}

	short := NewClient(Options{Logger: zerolog.Nop(), MaxRetries: 1, Dial: dial})
	_ = short.Connect(context.Background(), d, 0)
	long := NewClient(Options{Logger: zerolog.Nop(), MaxRetries: 1, Timeout: 30 * time.Second, Dial: dial})
	_ = long.Connect(context.Background(), d, 0)
	_ = long.Connect(context.Background(), d, 2*time.Second)

	assert.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Second}, seen)
}

func TestConnectDoesNotRetryBadCommKey(t *testing.T) {
	srv := &zktest.Server{CommKey: 4321}
	d := startTerminal(t, "K", srv)
	d.Password = "1"
	c := newTestClient(Options{MaxRetries: 5})

	err := c.Connect(context.Background(), d, 0)
	require.ErrorIs(t, err, zk.ErrUnauthorized)
	assert.Equal(t, 1, srv.Connects())

	d.Password = "4321"
	require.NoError(t, c.Connect(context.Background(), d, 0))
	c.DisconnectAll()
}

func TestDeviceInfo(t *testing.T) {
	srv := &zktest.Server{
		Clock:    base,
		Firmware: "Ver 6.60",
		Serial:   "SN-1",
		Platform: "ZMM220_TFT",
		Name:     "F22",
	}
	srv.AddRecords(zk.AttendanceRecord{UID: 1, UserID: "1", Timestamp: base})
	d := startTerminal(t, "I", srv)
	c := newTestClient(Options{})
	defer c.DisconnectAll()

	info, err := c.DeviceInfo(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "Ver 6.60", info.FirmwareVersion)
	assert.Equal(t, "SN-1", info.SerialNumber)
	assert.Equal(t, "ZMM220_TFT", info.Platform)
	assert.Equal(t, "F22", info.DeviceName)
	assert.Equal(t, 1, info.RecordCount)
	assert.True(t, info.DeviceTime.Equal(base))
}
