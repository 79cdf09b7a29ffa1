package attendagent

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExitCodeInterrupted is the process exit code of a forced shutdown.
const ExitCodeInterrupted = 130

const defaultShutdownGrace = 3 * time.Second

// Stoppable is what ShutdownGuard drives.
type Stoppable interface {
	RequestShutdown()
	DisconnectAll()
}

// GuardOptions configures a ShutdownGuard.
type GuardOptions struct {
	Logger zerolog.Logger
	// Grace is how long a cooperative shutdown may take before the process
	// is forced down.
	Grace time.Duration
	// Exit terminates the process; os.Exit when nil.
	Exit func(code int)
}

// ShutdownGuard escalates interrupt signals. The first Notify requests a
// cooperative shutdown and arms the grace timer; a second Notify, or the
// timer firing before MarkStopped, disconnects every device and exits.
type ShutdownGuard struct {
	target Stoppable
	logger zerolog.Logger
	grace  time.Duration
	exit   func(int)

	mu      sync.Mutex
	signals int
	stopped bool
	forced  bool
	timer   *time.Timer
}

// NewShutdownGuard builds a guard for target.
func NewShutdownGuard(target Stoppable, opts GuardOptions) *ShutdownGuard {
	if opts.Grace <= 0 {
		opts.Grace = defaultShutdownGrace
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &ShutdownGuard{
		target: target,
		logger: opts.Logger.With().Str("component", "shutdown").Logger(),
		grace:  opts.Grace,
		exit:   opts.Exit,
	}
}

// Notify records one interrupt. It is the only call a signal goroutine makes.
func (g *ShutdownGuard) Notify() {
	g.mu.Lock()
	if g.stopped || g.forced {
		g.mu.Unlock()
		return
	}
	g.signals++
	if g.signals == 1 {
		g.timer = time.AfterFunc(g.grace, func() { g.force("grace period expired") })
		g.mu.Unlock()
		g.logger.Warn().Dur("grace", g.grace).Msg("shutdown requested, finishing current device (interrupt again to force)")
		g.target.RequestShutdown()
		return
	}
	g.mu.Unlock()
	g.force("second interrupt")
}

// MarkStopped disarms the guard once in-flight work has finished.
func (g *ShutdownGuard) MarkStopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

// Signals returns how many interrupts were observed.
func (g *ShutdownGuard) Signals() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signals
}

// Forced reports whether the forced exit path ran.
func (g *ShutdownGuard) Forced() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forced
}

func (g *ShutdownGuard) force(reason string) {
	g.mu.Lock()
	if g.stopped || g.forced {
		g.mu.Unlock()
		return
	}
	g.forced = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()

	g.logger.Error().Str("reason", reason).Msg("forcing shutdown")
	g.target.DisconnectAll()
	g.exit(ExitCodeInterrupted)
}
