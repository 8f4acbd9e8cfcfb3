// Package logging sets up the process-wide zerolog logger and derives
// run/run-node scoped sub-loggers for the scheduler and API layers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the root logger for levelName, writing pretty console output
// when stdout is a terminal and compact JSON otherwise.
func New(levelName string) zerolog.Logger {
	level := parseLevel(levelName)

	var out io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ForRun returns a sub-logger with run_id bound to every subsequent event.
func ForRun(base zerolog.Logger, runID int64) zerolog.Logger {
	return base.With().Int64("run_id", runID).Logger()
}

// ForRunNode returns a sub-logger with run_id, node_key and attempt bound.
func ForRunNode(base zerolog.Logger, runID int64, nodeKey string, attempt int) zerolog.Logger {
	return base.With().
		Int64("run_id", runID).
		Str("node_key", nodeKey).
		Int("attempt", attempt).
		Logger()
}
