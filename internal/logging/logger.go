// Package logging configures the zerolog logger shared by the server and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger at the given level. Console output is used in dev,
// JSON everywhere else.
func New(level string, dev bool) zerolog.Logger {
	var out io.Writer = os.Stderr
	if dev {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return newLogger(out, level)
}

func newLogger(out io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
		if level != "" {
			fmt.Fprintf(os.Stderr, "invalid log level %q, defaulting to info\n", level)
		}
	}

	revision := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				revision = setting.Value
				break
			}
		}
	}

	l := zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "quill-api").
		Str("git_revision", revision).
		Logger()

	zerolog.DefaultContextLogger = &l
	return l
}
