package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/AttendAgent/internal/config"
)

const (
	envLogLevel = "ATTEND_LOG_LEVEL"
	// envLogJSON switches stderr from the console format to plain JSON lines.
	envLogJSON  = "ATTEND_LOG_JSON"
)

var logFile *os.File

// setupLogging replaces the global logger: console (or JSON) output on
// stderr plus an optional JSON file.
func setupLogging(cmd *cobra.Command, args []string) error {
	levelName := strings.ToLower(firstNonEmpty(flagLogLevel, config.String(envLogLevel, ""), "info"))
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || level == zerolog.NoLevel {
		return errors.Errorf("invalid log level %q, want debug|info|warn|error|fatal", levelName)
	}

	writers := []io.Writer{stderrWriter(os.Stderr, config.Bool(envLogJSON, false))}
	if path := strings.TrimSpace(flagLogFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open log file %s", path)
		}
		logFile = f
		writers = append(writers, f)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
	return nil
}

func stderrWriter(out io.Writer, jsonLines bool) io.Writer {
	if jsonLines {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
