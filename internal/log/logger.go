// Package log provides configurable logging for sbrealtime with console and
// rotating file backends plus an in-memory tail buffer.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string `env:"SBREALTIME_LOG_MODE" envDefault:"console"` // "console", "file"
	Level  string `env:"SBREALTIME_LOG_LEVEL" envDefault:"info"`   // "debug", "info", "warn", "error"
	Format string `env:"SBREALTIME_LOG_FORMAT" envDefault:"text"`  // "text", "json"

	// File-specific
	FilePath   string `env:"SBREALTIME_LOG_FILE" envDefault:"sbrealtime.log"`
	MaxSizeMB  int    `env:"SBREALTIME_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxAgeDays int    `env:"SBREALTIME_LOG_MAX_AGE_DAYS" envDefault:"7"`
	MaxBackups int    `env:"SBREALTIME_LOG_MAX_BACKUPS" envDefault:"3"`

	// In-memory buffer size (0 to disable)
	BufferLines int `env:"SBREALTIME_LOG_BUFFER_LINES" envDefault:"500"`

	// Console destination, stderr when nil. Stdout is reserved for command output.
	Output io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "console",
		Level:       "info",
		Format:      "text",
		FilePath:    "sbrealtime.log",
		MaxSizeMB:   100,
		MaxAgeDays:  7,
		MaxBackups:  3,
		BufferLines: 500,
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	closer        io.Closer
	mu            sync.RWMutex
)

// Init initializes the global logger with the given configuration. Calling
// it again closes any file opened by the previous call.
func Init(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	var next io.Closer
	switch cfg.Mode {
	case "file":
		h, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, next = h, h
	default:
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		handler = NewConsoleHandler(out, cfg, level)
	}

	if cfg.BufferLines > 0 {
		logBuffer = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, logBuffer)
	} else {
		logBuffer = nil
	}

	if closer != nil {
		_ = closer.Close()
	}
	closer = next

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Close releases the file opened by Init, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n lines from the log buffer.
// Returns nil if buffer is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}
