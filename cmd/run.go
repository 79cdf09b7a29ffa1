package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	attendagent "github.com/httprunner/AttendAgent"
	"github.com/httprunner/AttendAgent/internal/config"
	"github.com/httprunner/AttendAgent/internal/telemetry"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "常驻运行：按间隔同步所有启用的设备，每日执行维护",
		Args:  cobra.NoArgs,
		RunE:  runScheduler,
	}
}

// openOrchestrator builds and initializes an orchestrator for one command.
func openOrchestrator(ctx context.Context, metrics *telemetry.Metrics) (*attendagent.Orchestrator, error) {
	orch, err := attendagent.NewOrchestrator(attendagent.Options{
		Logger:     log.Logger,
		ConfigPath: flagConfig,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := orch.Initialize(ctx); err != nil {
		return nil, err
	}
	return orch, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metrics := telemetry.New()
	orch, err := openOrchestrator(ctx, metrics)
	if err != nil {
		return exitCode(1, err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			log.Error().Err(err).Msg("close orchestrator failed")
		}
	}()

	cfg := orch.Config()
	lock, err := acquireInstanceLock(cfg)
	if err != nil {
		return exitCode(1, err)
	}
	defer func() { _ = lock.Unlock() }()

	guard := attendagent.NewShutdownGuard(orch, attendagent.GuardOptions{
		Logger: log.Logger,
		Grace:  shutdownGrace(cfg),
	})
	scheduler, err := attendagent.NewScheduler(orch, cfg.Settings, log.Logger)
	if err != nil {
		return exitCode(1, err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	group, gctx := errgroup.WithContext(ctx)
	attendagent.GroupGoSafe(gctx, group, "signal-watcher", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigCh:
				log.Warn().Str("signal", sig.String()).Msg("received shutdown signal")
				guard.Notify()
			}
		}
	})
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		attendagent.GroupGoSafe(gctx, group, "metrics-server", func(ctx context.Context) error {
			return metrics.Serve(ctx, addr, log.Logger)
		})
	}
	attendagent.GroupGoSafe(gctx, group, "scheduler", func(ctx context.Context) error {
		defer cancel()
		return scheduler.Run(ctx)
	})

	log.Info().
		Str("config", cfg.Path()).
		Str("lock", lock.Path()).
		Str("metrics_addr", cfg.Metrics.Addr).
		Msg("attendagent running, press Ctrl+C to stop")
	err = group.Wait()
	guard.MarkStopped()
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitCode(1, err)
	}
	log.Info().Msg("attendagent stopped")
	return nil
}

// acquireInstanceLock keeps two schedulers from syncing into the same store.
func acquireInstanceLock(cfg *config.Config) (*flock.Flock, error) {
	path, err := lockPath(cfg.Storage)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire instance lock %s", path)
	}
	if !locked {
		return nil, errors.Errorf("another attendagent instance holds %s", path)
	}
	return lock, nil
}

// envShutdownGrace overrides settings.shutdown_grace_seconds, e.g. "45s".
const envShutdownGrace = "ATTEND_SHUTDOWN_GRACE"

func shutdownGrace(cfg *config.Config) time.Duration {
	return config.Duration(envShutdownGrace, cfg.Settings.ShutdownGrace())
}

func lockPath(cfg storage.Config) (string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", storage.DriverSQLite, "sqlite3":
		db := strings.TrimSpace(cfg.Path)
		if db == "" {
			var err error
			if db, err = storage.ResolveDatabasePath(); err != nil {
				return "", err
			}
		}
		return db + ".lock", nil
	default:
		return filepath.Join(os.TempDir(), "attendagent.lock"), nil
	}
}
