// Package logging builds the process log sink. Nothing in the module logs
// through a global; callers pass the *slog.Logger from Setup explicitly.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
)

// Config configures the log sink.
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
	// File, when set, sends logs to a rotating file instead of stderr. A
	// directory (trailing slash) gets a timestamped file name.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Sink owns the logger and the file behind it.
type Sink struct {
	Logger *slog.Logger
	file   *lumberjack.Logger
}

// Setup creates the sink described by cfg.
func Setup(cfg Config, stderr io.Writer) (*Sink, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	s := &Sink{}
	out := stderr
	if cfg.File != "" {
		name := cfg.File
		if strings.HasSuffix(name, "/") || strings.HasSuffix(name, string(os.PathSeparator)) {
			name = filepath.Join(name, DefaultFileName(time.Now()))
		}
		s.file = &lumberjack.Logger{
			Filename:   name,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
		}
		out = s.file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	s.Logger = slog.New(handler)
	return s, nil
}

// Shutdown closes the log file, if any.
func (s *Sink) Shutdown() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Filename returns the path of the rotating log file, or "".
func (s *Sink) Filename() string {
	if s == nil || s.file == nil {
		return ""
	}
	return s.file.Filename
}

// DefaultFileName names a log file after its UTC start time.
func DefaultFileName(now time.Time) string {
	return "zpyramid_" + now.UTC().Format("20060102150405") + ".log"
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TimeLog reports elapsed time since its creation.
type TimeLog struct {
	start time.Time
	log   *slog.Logger
}

// NewTimeLog starts a timer that logs through l.
func NewTimeLog(l *slog.Logger) TimeLog {
	return TimeLog{start: time.Now(), log: l}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration { return time.Since(t.start) }

// Info logs msg with the elapsed time attached.
func (t TimeLog) Info(msg string, args ...any) {
	t.log.Info(msg, append(args, "elapsed", t.Elapsed().Round(time.Millisecond))...)
}
