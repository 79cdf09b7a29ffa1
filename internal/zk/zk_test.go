package zk_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/internal/zk"
	"github.com/httprunner/AttendAgent/internal/zk/zktest"
)

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, time.March, 14, 9, 26, 53, 0, time.UTC)
	got := zk.DecodeTime(zk.EncodeTime(ts), time.UTC)
	assert.True(t, got.Equal(ts), "got %s", got)
}

func TestPacketRoundTrip(t *testing.T) {
	frame := zk.EncodePacket(zk.CmdGetTime, 7, 42, []byte{1, 2, 3})
	n, err := zk.DecodeTCPHeader(frame[:8])
	require.NoError(t, err)
	require.Equal(t, len(frame)-8, n)

	p, err := zk.DecodeBody(frame[8:])
	require.NoError(t, err)
	assert.EqualValues(t, zk.CmdGetTime, p.Command)
	assert.EqualValues(t, 7, p.SessionID)
	assert.EqualValues(t, 42, p.ReplyID)
	assert.Equal(t, []byte{1, 2, 3}, p.Data)

	// Recomputing over the body with a zeroed checksum field reproduces it.
	body := append([]byte(nil), frame[8:]...)
	body[2], body[3] = 0, 0
	assert.Equal(t, p.Checksum, zk.Checksum(body))
}

func TestDecodeTCPHeaderRejectsBadMagic(t *testing.T) {
	_, err := zk.DecodeTCPHeader([]byte{1, 2, 3, 4, 8, 0, 0, 0})
	require.Error(t, err)
}

func newTerminal(t *testing.T) (*zktest.Server, string) {
	t.Helper()
	srv := &zktest.Server{
		Firmware: "Ver 6.60 Apr 13 2022",
		Serial:   "CKJX203960012",
		Clock:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	srv.SetUsers(
		zk.UserRecord{UID: 1, UserID: "1001", Name: "Ann"},
		zk.UserRecord{UID: 2, UserID: "1002"},
	)
	srv.AddRecords(
		zk.AttendanceRecord{UID: 1, UserID: "1001", Timestamp: time.Date(2024, 5, 1, 7, 55, 0, 0, time.UTC), Status: 1, Punch: 0},
		zk.AttendanceRecord{UID: 2, UserID: "1002", Timestamp: time.Date(2024, 5, 1, 7, 58, 0, 0, time.UTC), Status: 15, Punch: 0, WorkCode: 3},
	)
	return srv, srv.Start(t)
}

func TestDialAndRead(t *testing.T) {
	srv, addr := newTerminal(t)
	ctx := context.Background()

	conn, err := zk.Dial(ctx, addr, zk.Options{Timeout: time.Second, Location: time.UTC})
	require.NoError(t, err)
	defer conn.Close()

	ts, err := conn.Time(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Equal(srv.Clock))

	fw, err := conn.FirmwareVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ver 6.60 Apr 13 2022", fw)

	serial, err := conn.Option(ctx, "~SerialNumber")
	require.NoError(t, err)
	assert.Equal(t, "CKJX203960012", serial)

	sizes, err := conn.FreeSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sizes.Users)
	assert.Equal(t, 2, sizes.Records)

	records, err := conn.Attendance(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1002", records[1].UserID)
	assert.Equal(t, 15, records[1].Status)
	assert.Equal(t, 3, records[1].WorkCode)

	users, err := conn.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Ann", users[0].Name)
	assert.Equal(t, "1002", users[1].UserID)
}

func TestChunkedBufferRead(t *testing.T) {
	srv := &zktest.Server{ChunkThreshold: 64}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		srv.AddRecords(zk.AttendanceRecord{
			UID:       i,
			UserID:    fmt.Sprintf("%d", 2000+i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	addr := srv.Start(t)

	conn, err := zk.Dial(context.Background(), addr, zk.Options{Timeout: time.Second, Location: time.UTC})
	require.NoError(t, err)
	defer conn.Close()

	records, err := conn.Attendance(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 50)
	assert.Equal(t, "2049", records[49].UserID)
	assert.True(t, records[49].Timestamp.Equal(base.Add(49*time.Minute)))
}

func TestDialWithCommKey(t *testing.T) {
	srv := &zktest.Server{CommKey: 1234}
	addr := srv.Start(t)

	conn, err := zk.Dial(context.Background(), addr, zk.Options{Timeout: time.Second, CommKey: 1234})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "second close should be a no-op")

	_, err = zk.Dial(context.Background(), addr, zk.Options{Timeout: time.Second, CommKey: 99})
	require.ErrorIs(t, err, zk.ErrUnauthorized)
}

func TestOperationInterruptedByContext(t *testing.T) {
	srv := &zktest.Server{HangOn: zk.CmdGetTime}
	addr := srv.Start(t)

	conn, err := zk.Dial(context.Background(), addr, zk.Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = conn.Time(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClosedConn(t *testing.T) {
	_, addr := newTerminal(t)
	conn, err := zk.Dial(context.Background(), addr, zk.Options{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	_, err = conn.Time(context.Background())
	require.ErrorIs(t, err, zk.ErrClosed)
}
