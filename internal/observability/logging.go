package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerOption configures NewLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level   slog.Level
	json    bool
	out     io.Writer
	service string
}

// WithJSON switches to the JSON handler.
func WithJSON(enabled bool) LoggerOption {
	return func(o *loggerOptions) {
		o.json = enabled
	}
}

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) LoggerOption {
	return func(o *loggerOptions) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLevel overrides the level parsed from the level string.
func WithLevel(level slog.Level) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithService stamps every record with service=name.
func WithService(name string) LoggerOption {
	return func(o *loggerOptions) {
		o.service = strings.TrimSpace(name)
	}
}

// NewLogger builds the process logger. Unknown level names fall back to INFO;
// config validation rejects them before we get here.
func NewLogger(level string, opts ...LoggerOption) *slog.Logger {
	parsed, err := ParseLevel(level)
	if err != nil {
		parsed = slog.LevelInfo
	}
	o := loggerOptions{level: parsed, out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	hopts := &slog.HandlerOptions{Level: o.level}
	var h slog.Handler = slog.NewTextHandler(o.out, hopts)
	if o.json {
		h = slog.NewJSONHandler(o.out, hopts)
	}
	logger := slog.New(h)
	if o.service != "" {
		logger = logger.With(slog.String("service", o.service))
	}
	return logger
}

// NoOpLogger discards everything.
func NoOpLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Component tags logger with the component name; a nil logger yields a
// discarding one.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NoOpLogger()
	}
	return logger.With(slog.String("component", name))
}

// ParseLevel maps DEBUG, INFO, WARN (or WARNING) and ERROR, case-insensitively,
// to slog levels. An empty string is INFO.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("observability: unknown log level %q", level)
}
