// Package obslog is the sync core's ambient logging facility. It
// mirrors the teacher's debug.Logf idiom (a package-level, env-gated
// logger called from deep inside leaf packages) but backs the sink with
// a rotating file via lumberjack, since this is a long-running server
// process rather than a one-shot CLI invocation.
package obslog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is an ordered log level, lowest-to-highest severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu      sync.Mutex
	enabled bool
	level   Level
	logger  *log.Logger
	closer  io.Closer
)

// Config mirrors the environment variables named in spec §6.
type Config struct {
	Enabled bool
	Level   string
	File    string // LOG_FILE_NAME; empty means stderr
}

// Init wires up the process-wide logger. Safe to call once at startup;
// subsequent calls replace the sink.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	enabled = cfg.Enabled
	level = parseLevel(cfg.Level)

	if closer != nil {
		_ = closer.Close()
		closer = nil
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = lj
		closer = lj
	}

	logger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

// InitFromEnv reads ENABLE_LOGGING, LOG_LEVEL, LOG_FILE_NAME per spec §6.
func InitFromEnv() error {
	return Init(Config{
		Enabled: strings.EqualFold(os.Getenv("ENABLE_LOGGING"), "true") || os.Getenv("ENABLE_LOGGING") == "1",
		Level:   os.Getenv("LOG_LEVEL"),
		File:    os.Getenv("LOG_FILE_NAME"),
	})
}

func emit(lvl Level, levelName, format string, args ...any) {
	mu.Lock()
	l := logger
	en := enabled
	minLvl := level
	mu.Unlock()

	if l == nil {
		// Fall back to stderr if Init was never called; a server should
		// always see error-level output even with a misconfigured sink.
		if lvl >= LevelWarn {
			fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]any{levelName}, args...)...)
		}
		return
	}
	if !en || lvl < minLvl {
		return
	}
	l.Printf("[%s] "+format, append([]any{levelName}, args...)...)
}

func Debugf(format string, args ...any) { emit(LevelDebug, "DEBUG", format, args...) }
func Infof(format string, args ...any)  { emit(LevelInfo, "INFO", format, args...) }
func Warnf(format string, args ...any)  { emit(LevelWarn, "WARN", format, args...) }
func Errorf(format string, args ...any) { emit(LevelError, "ERROR", format, args...) }

// Close releases the rotating log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		err := closer.Close()
		closer = nil
		return err
	}
	return nil
}
