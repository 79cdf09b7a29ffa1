package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/AttendAgent/pkg/attendance"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

type fakeStore struct {
	storage.Store
	saved  int
	err    error
	closed bool
}

func (f *fakeStore) SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.saved += len(events)
	return len(events), nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

type fakeStream struct {
	args   []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func sampleEvents() []attendance.Event {
	ts := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return []attendance.Event{
		{DeviceID: "D1", UserID: "1", Timestamp: ts, PunchType: attendance.PunchCheckIn},
		{DeviceID: "D1", UserID: "2", Timestamp: ts.Add(time.Minute), PunchType: attendance.PunchCheckOut},
	}
}

func TestSaveRecordsPublishesBatch(t *testing.T) {
	inner := &fakeStore{}
	stream := &fakeStream{}
	s := New(inner, stream, Config{RedisAddr: "x", Stream: "punches"}, zerolog.Nop())

	n, err := s.SaveRecords(context.Background(), sampleEvents(), "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, stream.args, 2)
	assert.Equal(t, "punches", stream.args[0].Stream)

	values := stream.args[1].Values.(map[string]interface{})
	assert.Equal(t, "2", values["user_id"])
	var decoded attendance.Event
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &decoded))
	assert.Equal(t, attendance.PunchCheckOut, decoded.PunchType)

	require.NoError(t, s.Close())
	assert.True(t, inner.closed)
	assert.True(t, stream.closed)
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	inner := &fakeStore{}
	stream := &fakeStream{err: errors.New("connection refused")}
	s := New(inner, stream, Config{RedisAddr: "x"}, zerolog.Nop())

	n, err := s.SaveRecords(context.Background(), sampleEvents(), "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, stream.args, 1, "publishing stops after the first failure")
	assert.Equal(t, DefaultStream, stream.args[0].Stream)
}

func TestSaveErrorSkipsPublish(t *testing.T) {
	inner := &fakeStore{err: errors.New("disk full")}
	stream := &fakeStream{}
	s := New(inner, stream, Config{RedisAddr: "x"}, zerolog.Nop())

	_, err := s.SaveRecords(context.Background(), sampleEvents(), "D1")
	require.Error(t, err)
	assert.Empty(t, stream.args)
}

func TestWrapDisabledReturnsInner(t *testing.T) {
	inner := &fakeStore{}
	assert.Same(t, inner, Wrap(inner, Config{}, zerolog.Nop()).(*fakeStore))
}
