// Package logging holds the process wide logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	L = newLogger(consoleWriter())

	mu      sync.Mutex
	logFile *os.File
)

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// SetLogLevel changes the global level for every logger derived from L.
func SetLogLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config string onto a zerolog level. Unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLogOutput duplicates all log output into dir/name. Console output is kept
// when toConsole is set.
func SetLogOutput(dir, name string, toConsole bool) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f

	if toConsole {
		L = newLogger(zerolog.MultiLevelWriter(consoleWriter(), f))
	} else {
		L = newLogger(f)
	}
	return nil
}

// Close releases the log file, if any, and falls back to console output.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	L = newLogger(consoleWriter())
	err := logFile.Close()
	logFile = nil
	return err
}
