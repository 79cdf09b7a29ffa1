package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/AttendAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "attendagent",
	Short: "Sync attendance punches from ZK terminals into a local store",
	Long: `attendagent 周期性地连接考勤终端，按设备增量拉取打卡记录并写入 SQLite/Postgres，` +
		`支持单次同步、连接测试、状态查询以及设备信息与用户列表的查看。不带子命令时以常驻调度模式运行。`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	RunE:              runScheduler,
}

var (
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "配置文件路径（默认 $ATTEND_CONFIG 或 config/devices.yaml）")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "日志级别 debug|info|warn|error|fatal（默认 $ATTEND_LOG_LEVEL 或 info）")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "额外写入 JSON 日志的文件")
	rootCmd.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newTestCmd(),
		newStatusCmd(),
		newInfoCmd(),
		newUsersCmd(),
	)
	_ = env.Ensure()
}

func main() {
	err := rootCmd.Execute()
	closeLogFile()
	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			log.Error().Err(exitErr.err).Msg("attendagent command failed")
		}
		os.Exit(exitErr.code)
	}
	log.Fatal().Err(err).Msg("attendagent command failed")
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}
