// Package logging provides structured logging with slog for proctord.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Per-component and per-session child loggers
//   - Credential redaction
//   - Size-based log rotation
//   - Throttled diagnostics
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output specifies where logs are written.
	// Can be "stdout", "stderr", "file", "both" or "discard".
	Output string

	// FilePath is the path to the log file when Output includes "file".
	FilePath string

	// MaxSizeMB is the size of the active log file that triggers rotation.
	MaxSizeMB int64

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Component is the name of the component using this logger.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSizeMB:  50,
		MaxBackups: 5,
		Compress:   true,
		Component:  "proctord",
	}
}

// DefaultLogPath returns the platform-specific default log path.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "proctord", "proctord.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "proctord", "logs", "proctord.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "proctord", "proctord.log")
	}
}

// Logger wraps slog.Logger with a dynamic level and an optional rotator.
type Logger struct {
	*slog.Logger
	config  *Config
	level   *slog.LevelVar
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Default returns the default global logger.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: DefaultConfig(), level: new(slog.LevelVar)}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault sets the default global logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config: cfg,
		level:  new(slog.LevelVar),
	}
	l.level.Set(cfg.Level)

	w, err := l.writer()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("component", cfg.Component),
		})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// NewWriter creates a logger writing to w, mostly for tests.
func NewWriter(w io.Writer, level Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv, ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
		if shouldRedact(a.Key) {
			a.Value = slog.StringValue("[REDACTED]")
		}
		return a
	}})
	return &Logger{Logger: slog.New(h), config: DefaultConfig(), level: lv}
}

// writer builds the output writer from the configuration.
func (l *Logger) writer() (io.Writer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config.FilePath, l.config.MaxSizeMB*1024*1024, l.config.MaxBackups, l.config.Compress)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// sensitiveKeys are attribute key fragments whose values are never written.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "authorization",
	"private", "cookie", "api_key", "apikey", "bearer",
}

// shouldRedact checks if an attribute key contains sensitive data.
func shouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel changes the minimum level of this logger and every child derived
// from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("component", name)),
		config:  l.config,
		level:   l.level,
		rotator: l.rotator,
	}
}

// WithSession returns a child logger tagged with the exam session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("session_id", sessionID)),
		config:  l.config,
		level:   l.level,
		rotator: l.rotator,
	}
}

// Close closes any open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Component returns a slog logger for a package, falling back to the default
// logger when l is nil.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l != nil {
		return l
	}
	return Default().WithComponent(name).Logger
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
