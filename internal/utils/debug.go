package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu   sync.RWMutex
	logger  = zerolog.New(io.Discard)
	logSink io.Closer
)

// ConfigureDebug sends log output to a rotated file in logsDir, keeping at
// most retention old files.
func ConfigureDebug(logsDir string, retention int) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	if retention <= 0 {
		retention = 5
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "otaupdate.log"),
		MaxSize:    10, // megabytes
		MaxBackups: retention,
		LocalTime:  true,
	}
	setOutput(sink, sink)
	return nil
}

// ConfigureWriter sends log output to w. Used by tests and the foreground daemon.
func ConfigureWriter(w io.Writer) {
	setOutput(w, nil)
}

func setOutput(w io.Writer, closer io.Closer) {
	logMu.Lock()
	defer logMu.Unlock()
	if logSink != nil {
		_ = logSink.Close()
	}
	logSink = closer
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// CloseDebug flushes and closes the log file.
func CloseDebug() {
	setOutput(io.Discard, nil)
}

// Logger returns the process logger for structured fields.
func Logger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := logger
	return &l
}

// Component returns a logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Debug writes a formatted debug message
func Debug(format string, args ...any) {
	Logger().Debug().Msgf(format, args...)
}
