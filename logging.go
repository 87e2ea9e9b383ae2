package canport

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// logFile is the optional per adapter protocol trace selected with the
// log_file parameter. It is opened by Open and closed by Close.
type logFile struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger *slog.Logger
}

func (l *logFile) setFileName(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = path
}

func (l *logFile) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" || l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %q: %w", l.path, err)
	}
	l.f = f
	l.logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return nil
}

func (l *logFile) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	_ = l.f.Close()
	l.f = nil
	l.logger = nil
}

// get returns the file logger, or nil when no file is open.
func (l *logFile) get() *slog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}
