package attendagent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/internal/config"
)

const (
	jobSync        = "sync"
	jobMaintenance = "maintenance"
	jobHeartbeat   = "heartbeat"
)

// SchedulerTarget is the work the scheduler drives; *Orchestrator
// implements it.
type SchedulerTarget interface {
	SyncAll(ctx context.Context) bool
	DailyMaintenance(ctx context.Context) error
	DisconnectAll()
	OpenConnections() int
	ShutdownSignal() <-chan struct{}
}

var _ SchedulerTarget = (*Orchestrator)(nil)

// SchedulerOption tweaks a Scheduler, mostly for tests.
type SchedulerOption func(*Scheduler)

// WithTick overrides the loop tick.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the wall clock used to decide which jobs are due.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// JobInfo describes one scheduled job.
type JobInfo struct {
	Name    string    `json:"name" yaml:"name"`
	NextRun time.Time `json:"next_run" yaml:"next_run"`
	LastRun time.Time `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Runs    int       `json:"runs" yaml:"runs"`
	Errors  int       `json:"errors" yaml:"errors"`
}

type job struct {
	JobInfo
	every time.Duration
	// daily jobs run at hour:minute local time instead of every.
	daily        bool
	hour, minute int
	run          func(ctx context.Context) error
}

func (j *job) schedule(now time.Time) {
	if j.daily {
		j.NextRun = nextDaily(now, j.hour, j.minute)
		return
	}
	j.NextRun = now.Add(j.every)
}

// Scheduler runs the sync, maintenance and heartbeat jobs on a single
// goroutine, so two jobs never overlap.
type Scheduler struct {
	target SchedulerTarget
	logger zerolog.Logger
	tick   time.Duration
	now    func() time.Time
	sync   *job
	jobs   []*job
}

// NewScheduler builds a scheduler from the configured settings.
func NewScheduler(target SchedulerTarget, settings config.Settings, logger zerolog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if target == nil {
		return nil, errors.New("scheduler target cannot be nil")
	}
	hour, minute, err := settings.MaintenanceClock()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		target: target,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tick:   settings.Tick(),
		now:    time.Now,
	}
	if s.tick <= 0 {
		s.tick = 5 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}

	syncEvery := settings.SyncInterval()
	if syncEvery <= 0 {
		syncEvery = time.Hour
	}
	heartbeat := settings.Heartbeat()
	if heartbeat <= 0 {
		heartbeat = time.Hour
	}
	s.sync = &job{
		JobInfo: JobInfo{Name: jobSync},
		every:   syncEvery,
		run:     s.runSync,
	}
	s.jobs = []*job{
		s.sync,
		{
			JobInfo: JobInfo{Name: jobMaintenance},
			daily:   true,
			hour:    hour,
			minute:  minute,
			run:     target.DailyMaintenance,
		},
		{
			JobInfo: JobInfo{Name: jobHeartbeat},
			every:   heartbeat,
			run:     s.heartbeat,
		},
	}
	return s, nil
}

// Run executes the initial sync and then loops until ctx is done or a
// shutdown is requested. Job failures never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	start := s.now()
	for _, j := range s.jobs {
		j.schedule(start)
	}
	s.logger.Info().
		Dur("tick", s.tick).
		Dur("sync_interval", s.sync.every).
		Time("next_maintenance", s.jobs[1].NextRun).
		Msg("scheduler started")

	s.execute(ctx, s.sync)
	s.sync.schedule(s.now())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if s.stopping(ctx) {
			s.logger.Info().Msg("scheduler stopped")
			return nil
		}
		select {
		case <-ctx.Done():
		case <-s.target.ShutdownSignal():
		case <-ticker.C:
			s.runPending(ctx)
		}
	}
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.target.ShutdownSignal():
		return true
	default:
		return false
	}
}

func (s *Scheduler) runPending(ctx context.Context) {
	for _, j := range s.jobs {
		if s.stopping(ctx) {
			return
		}
		if s.now().Before(j.NextRun) {
			continue
		}
		s.execute(ctx, j)
		j.schedule(s.now())
	}
}

// execute runs one job. An error or panic is logged and followed by a
// best-effort DisconnectAll; the job stays scheduled.
func (s *Scheduler) execute(ctx context.Context, j *job) {
	j.LastRun = s.now()
	j.Runs++
	defer func() {
		if r := recover(); r != nil {
			j.Errors++
			s.logger.Error().
				Str("job", j.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("scheduled job panicked")
			s.target.DisconnectAll()
		}
	}()
	if err := j.run(ctx); err != nil {
		j.Errors++
		s.logger.Error().Err(err).Str("job", j.Name).Msg("scheduled job failed")
		s.target.DisconnectAll()
	}
}

func (s *Scheduler) runSync(ctx context.Context) error {
	if !s.target.SyncAll(ctx) && !s.stopping(ctx) {
		s.logger.Warn().Msg("sync pass finished without any successful device")
	}
	return nil
}

func (s *Scheduler) heartbeat(context.Context) error {
	jobs := s.Jobs()
	scheduled := make([]string, 0, len(jobs))
	for _, j := range jobs {
		scheduled = append(scheduled, fmt.Sprintf("%s next=%s runs=%d errors=%d",
			j.Name, j.NextRun.Format(time.DateTime), j.Runs, j.Errors))
	}
	s.logger.Info().
		Int("jobs", len(jobs)).
		Strs("scheduled", scheduled).
		Time("next_sync", s.sync.NextRun).
		Int("open_connections", s.target.OpenConnections()).
		Msg("scheduler heartbeat")
	return nil
}

// Jobs returns a snapshot of the scheduled jobs. Only call it from the
// scheduler goroutine or after Run returned.
func (s *Scheduler) Jobs() []JobInfo {
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.JobInfo)
	}
	return out
}

// nextDaily returns the first hour:minute strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
