package attendagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn on group and restarts it after a panic. A returned
// error keeps errgroup semantics; a cancelled ctx ends the restart loop.
// Panic traces go to stderr since the logger may be what panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group.Go(func() error {
		restart := &backoff.ExponentialBackOff{
			InitialInterval:     200 * time.Millisecond,
			RandomizationFactor: 0.25,
			Multiplier:          2,
			MaxInterval:         30 * time.Second,
		}
		restart.Reset()
		for ctx.Err() == nil {
			recovered, err := callRecovered(ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked, restarting: %v\n%s\n", name, recovered, debug.Stack())

			timer := time.NewTimer(restart.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		return nil
	})
}

func callRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		recovered = recover()
	}()
	return nil, fn(ctx)
}
