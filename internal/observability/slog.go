package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the slog-backed logger.
type LogConfig struct {
	Service    string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SlogLogger adapts log/slog to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
	closer io.Closer
}

// NewSlogLogger builds a JSON logger writing to stdout, or to a rotated file when File is set.
func NewSlogLogger(cfg LogConfig) *SlogLogger {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)
	if path := strings.TrimSpace(cfg.File); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = rotating
		closer = rotating
	}
	return newSlogLogger(out, closer, cfg)
}

// NewWriterLogger builds a JSON logger on top of an arbitrary writer.
func NewWriterLogger(w io.Writer, cfg LogConfig) *SlogLogger {
	return newSlogLogger(w, nil, cfg)
}

func newSlogLogger(w io.Writer, closer io.Closer, cfg LogConfig) *SlogLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})
	logger := slog.New(handler)
	if service := strings.TrimSpace(cfg.Service); service != "" {
		logger = logger.With(slog.String("service", service))
	}
	return &SlogLogger{logger: logger, closer: closer}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, attrs(fields)...) }
func (l *SlogLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, attrs(fields)...) }
func (l *SlogLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, attrs(fields)...) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, attrs(fields)...) }

// Close releases the rotated log file, if any.
func (l *SlogLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func attrs(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			out = append(out, slog.String(f.Key, err.Error()))
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
