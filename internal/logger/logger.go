package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface shared by every vectord package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	Enabled(level slog.Level) bool
}

type SlogLogger struct {
	logger *slog.Logger
}

func New(handler slog.Handler) Logger {
	return &SlogLogger{logger: slog.New(handler)}
}

// Output formats accepted by Options.Format.
const (
	FormatPretty = "pretty"
	FormatText   = "text"
	FormatJSON   = "json"
)

type Options struct {
	Format    string
	Level     slog.Level
	AddSource bool
	// NoColor disables ANSI colors in the pretty format. Colors are also
	// dropped when the writer is not a terminal.
	NoColor bool
}

// Setup builds the process logger for w.
func Setup(w io.Writer, opts Options) (Logger, error) {
	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource}
	switch strings.ToLower(opts.Format) {
	case "", FormatPretty:
		h := NewPrettyHandler(w, hopts)
		h.color = !opts.NoColor && isTerminal(w)
		return New(h), nil
	case FormatText:
		return New(slog.NewTextHandler(w, hopts)), nil
	case FormatJSON:
		return New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, text or json)", opts.Format)
	}
}

// Default writes info and above as text to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Discard drops everything.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type loggerKey struct{}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{logger: l.logger.WithGroup(name)}
}

// Slog exposes the underlying *slog.Logger for libraries that want one.
func (l *SlogLogger) Slog() *slog.Logger { return l.logger }

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
