// Package logging provides structured zerolog output to a dated log file and
// optionally the console.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Dir     string // Directory for log files; empty disables file output
	Level   string // debug, info, warn, error
	Console bool   // Also log to stderr
	Out     io.Writer
}

// Logger wraps zerolog with an optional log file.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string
}

// ParseLevel maps a config level name to a zerolog level. Unknown names fall
// back to info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New creates a Logger. A nil config produces a console-only info logger.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Console: true}
	}

	var writers []io.Writer
	l := &Logger{}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logPath := filepath.Join(cfg.Dir, fmt.Sprintf("studyvoice_%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		l.logPath = logPath
		writers = append(writers, file)
	}

	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	} else if cfg.Out != nil {
		writers = append(writers, cfg.Out)
	}

	var sink io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		sink = writers[0]
	default:
		sink = zerolog.MultiLevelWriter(writers...)
	}

	l.zlog = zerolog.New(sink).Level(ParseLevel(cfg.Level)).With().
		Timestamp().
		Str("app", "studyvoice").
		Logger()

	if l.logPath != "" {
		l.zlog.Debug().Str("component", "logging").Str("log_file", l.logPath).Msg("logger initialized")
	}
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Component returns a zerolog.Logger with the component field set.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Path returns the current log file path, empty when file output is off.
func (l *Logger) Path() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
