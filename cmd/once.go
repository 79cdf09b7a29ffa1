package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	attendagent "github.com/httprunner/AttendAgent"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "执行一次同步后退出（至少一台设备成功时退出码为 0）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, err := openOrchestrator(ctx, nil)
			if err != nil {
				return exitCode(1, err)
			}
			defer func() {
				if err := orch.Close(); err != nil {
					log.Error().Err(err).Msg("close orchestrator failed")
				}
			}()

			guard := attendagent.NewShutdownGuard(orch, attendagent.GuardOptions{
				Logger: log.Logger,
				Grace:  shutdownGrace(orch.Config()),
			})
			stop := watchSignals(ctx, guard)
			summary := orch.Pass(ctx)
			stop()
			guard.MarkStopped()

			if err := renderPass(cmd.OutOrStdout(), summary); err != nil {
				return exitCode(1, err)
			}
			if summary.Cancelled {
				return exitCode(attendagent.ExitCodeInterrupted, errors.New("sync pass interrupted"))
			}
			if summary.Succeeded == 0 {
				return exitCode(1, errors.Errorf("no device synced successfully (%d attempted)", summary.Attempted))
			}
			return nil
		},
	}
}

// watchSignals forwards SIGINT/SIGTERM to guard until the returned stop
// function is called.
func watchSignals(ctx context.Context, guard *attendagent.ShutdownGuard) (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				log.Warn().Str("signal", sig.String()).Msg("received shutdown signal")
				guard.Notify()
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
