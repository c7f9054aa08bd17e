// Package obslog is a thin wrapper around zerolog: New/With constructors,
// level parsing from config, and a process-wide default logger.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the engine's With(...) scoping idiom.
type Logger struct {
	z zerolog.Logger
}

// Options configures New.
type Options struct {
	Level  string // debug|info|warn|error, defaults to info
	Format string // "json" or "console"
}

// New builds a Logger writing to stdout, colorized when attached to a TTY
// (via go-isatty) and plain otherwise (via go-colorable for Windows
// compatibility).
func New(opts Options) *Logger {
	level := parseLevel(opts.Level)
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if opts.Format != "json" {
		w := colorable.NewColorable(os.Stdout)
		noColor := !isatty.IsTerminal(os.Stdout.Fd())
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: noColor}
	}

	return &Logger{z: zerolog.New(out).With().Timestamp().Logger()}
}

// Default is the process-wide logger used when a component is built
// without an explicit Logger.
var Default = New(Options{Level: "info"})

// With returns a scoped logger carrying the given key/value pairs on every
// subsequent log line — used by the dispatcher to attach its component
// name once per instance.
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.z.Warn().Msg(msg) }

func (l *Logger) Error(msg string, err error) {
	l.z.Error().Err(err).Msg(msg)
}

func parseLevel(level string) zerolog.Level {
	switch level {
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
