package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RedactedText replaces any value considered secret.
const RedactedText = "[REDACTED]"

var (
	defaultLogger atomic.Pointer[slog.Logger]
	auditLogger   atomic.Pointer[slog.Logger]
	once          sync.Once
	closersMu     sync.Mutex
	closers       []io.Closer
	initErr       error
)

// Init configures the global logger instances.
func Init(cfg Config) error {
	once.Do(func() {
		level := parseLevel(cfg.Level)

		writer, err := buildWriter(cfg.OutputPaths)
		if err != nil {
			initErr = err
			return
		}
		base := slog.New(NewHandler(writer, cfg.Format, level))
		defaultLogger.Store(base)
		auditLogger.Store(base)

		if cfg.Audit.Enabled {
			audit, err := buildAuditLogger(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
			auditLogger.Store(audit)
		}
	})
	if initErr != nil {
		return initErr
	}
	if defaultLogger.Load() == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

// NewHandler builds a JSON or text handler with secret redaction applied.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, AddSource: true, ReplaceAttr: redactAttr}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Use swaps both loggers, typically from tests, and returns a restore func.
func Use(l *slog.Logger) func() {
	prevDefault := defaultLogger.Swap(l)
	prevAudit := auditLogger.Swap(l)
	return func() {
		defaultLogger.Store(prevDefault)
		auditLogger.Store(prevAudit)
	}
}

func buildWriter(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			addCloser(closer)
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	addCloser(writer)
	return slog.New(NewHandler(writer, "json", slog.LevelInfo)), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func addCloser(c io.Closer) {
	closersMu.Lock()
	closers = append(closers, c)
	closersMu.Unlock()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// L returns the structured logger instance.
func L() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	_ = Init(Config{})
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L()
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	closersMu.Lock()
	defer closersMu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
