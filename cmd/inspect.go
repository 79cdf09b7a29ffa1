package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	attendagent "github.com/httprunner/AttendAgent"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "测试所有启用设备的连接",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := openOrchestrator(cmd.Context(), nil)
			if err != nil {
				return exitCode(1, err)
			}
			defer closeQuietly(orch)

			passed, results := orch.TestConnections(cmd.Context())
			if err := renderConnections(cmd.OutOrStdout(), results); err != nil {
				return exitCode(1, err)
			}
			if passed == 0 {
				return exitCode(1, errors.Errorf("no device reachable (%d tested)", len(results)))
			}
			log.Info().Int("passed", passed).Int("tested", len(results)).Msg("connection test finished")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "显示配置、存储统计与各设备最近一次同步结果",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if format != formatTable && format != formatYAML && format != formatJSON {
				return errors.Errorf("unsupported format %q, want table|yaml|json", format)
			}
			ctx := cmd.Context()
			orch, err := openOrchestrator(ctx, nil)
			if err != nil {
				return exitCode(1, err)
			}
			defer closeQuietly(orch)

			report := statusReport{System: orch.Status()}
			stats, err := orch.Store().Statistics(ctx)
			if err != nil {
				report.Warnings = append(report.Warnings, "statistics: "+err.Error())
			} else {
				report.Statistics = &stats
			}
			history, err := orch.DeviceHistory(ctx)
			if err != nil {
				report.Warnings = append(report.Warnings, "history: "+err.Error())
			}
			report.History = history

			if format == formatTable {
				return renderStatus(cmd.OutOrStdout(), report)
			}
			return writeStructured(cmd.OutOrStdout(), format, report)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "输出格式 table|yaml|json")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <device_id>",
		Short: "读取设备固件、序列号、时钟与容量信息",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), args[0], func(ctx context.Context, orch *attendagent.Orchestrator) error {
				d, _ := orch.Config().Device(args[0])
				info, err := orch.Client().DeviceInfo(ctx, d)
				if err != nil {
					return err
				}
				return renderDeviceInfo(cmd.OutOrStdout(), info)
			})
		},
	}
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users <device_id>",
		Short: "列出设备上登记的用户",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), args[0], func(ctx context.Context, orch *attendagent.Orchestrator) error {
				d, _ := orch.Config().Device(args[0])
				users, err := orch.Client().FetchUsers(ctx, d)
				if err != nil {
					return err
				}
				return renderUsers(cmd.OutOrStdout(), users)
			})
		},
	}
}

// withDevice opens an orchestrator, checks deviceID is configured and
// releases the device session after fn.
func withDevice(ctx context.Context, deviceID string, fn func(context.Context, *attendagent.Orchestrator) error) error {
	orch, err := openOrchestrator(ctx, nil)
	if err != nil {
		return exitCode(1, err)
	}
	defer closeQuietly(orch)

	if _, err := orch.Config().Device(deviceID); err != nil {
		return exitCode(1, err)
	}
	defer orch.Client().Disconnect(deviceID)
	if err := fn(ctx, orch); err != nil {
		return exitCode(1, errors.Wrapf(err, "device %s", deviceID))
	}
	return nil
}

func closeQuietly(orch *attendagent.Orchestrator) {
	if err := orch.Close(); err != nil {
		log.Warn().Err(err).Msg("close orchestrator failed")
	}
}
