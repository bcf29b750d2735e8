// Package logging builds the slog logger used across hlsrelay and adapts it
// for libraries that expect an hclog.Logger.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"

	"github.com/agleyzer/hlsrelay/internal/config"
)

// New creates a slog.Logger writing to w in the configured format.
// Unknown formats fall back to text, unknown levels to info.
func New(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// NewHCLogger creates an hclog.Logger named name whose entries are logged
// to logger at the matching slog level, with hclog's key/value pairs as
// attributes. The hclog level follows the most verbose level logger has
// enabled.
func NewHCLogger(logger *slog.Logger, name string) hclog.Logger {
	level := hclogLevel(logger)
	if level == hclog.Off {
		return NewNoOpHCLogger(name)
	}

	hc := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: io.Discard,
	})
	hc.RegisterSink(&slogSink{logger: logger})
	return hc
}

// slogSink receives hclog entries and writes them to a slog.Logger.
type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	ctx := context.Background()
	sl := slogLevel(level)
	if !s.logger.Enabled(ctx, sl) {
		return
	}

	attrs := make([]any, 0, len(args)+2)
	attrs = append(attrs, "component", name)
	attrs = append(attrs, args...)
	s.logger.Log(ctx, sl, msg, attrs...)
}

func slogLevel(level hclog.Level) slog.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return slog.LevelDebug
	case hclog.Warn:
		return slog.LevelWarn
	case hclog.Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewNoOpHCLogger creates an hclog.Logger that discards all output.
func NewNoOpHCLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

func hclogLevel(logger *slog.Logger) hclog.Level {
	ctx := context.Background()
	switch {
	case logger.Enabled(ctx, slog.LevelDebug):
		return hclog.Debug
	case logger.Enabled(ctx, slog.LevelInfo):
		return hclog.Info
	case logger.Enabled(ctx, slog.LevelWarn):
		return hclog.Warn
	case logger.Enabled(ctx, slog.LevelError):
		return hclog.Error
	default:
		return hclog.Off
	}
}
