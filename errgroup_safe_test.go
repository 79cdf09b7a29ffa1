package attendagent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGroupGoSafeRestartsAfterPanic(t *testing.T) {
	var calls atomic.Int32
	group, ctx := errgroup.WithContext(context.Background())
	GroupGoSafe(ctx, group, "flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, group.Wait())
	assert.Equal(t, int32(2), calls.Load())
}

func TestGroupGoSafeReturnsError(t *testing.T) {
	want := errors.New("scheduler failed")
	group, ctx := errgroup.WithContext(context.Background())
	GroupGoSafe(ctx, group, "scheduler", func(context.Context) error { return want })
	GroupGoSafe(ctx, group, "watcher", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, group.Wait(), want)
}

func TestGroupGoSafeStopsRestartingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var group errgroup.Group
	var calls atomic.Int32
	GroupGoSafe(ctx, &group, "always-panics", func(context.Context) error {
		calls.Add(1)
		cancel()
		panic("boom")
	})

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("restart loop ignored cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
}
