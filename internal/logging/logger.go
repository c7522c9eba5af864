package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sink records status lines. Logger satisfies it; tests substitute buffers.
type Sink interface {
	Printf(format string, args ...any)
}

// Logger appends timestamped lines to .loom/logs/loom.log so failures stay
// inspectable after the process exits.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New creates (or reuses) the log file under the given .loom directory.
func New(loomDir string) (*Logger, error) {
	logDir := filepath.Join(loomDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "loom.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
	l.mu.Unlock()
}

// Discard is a Sink that drops every line.
type Discard struct{}

// Printf implements Sink.
func (Discard) Printf(string, ...any) {}
