package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends audit events as newline-delimited JSON
type FileLogger struct {
	path    string
	maxSize int64

	mu      sync.Mutex
	file    *os.File
	size    int64
	encoder *json.Encoder
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Path    string // Audit file path
	MaxSize int64  // Rotate once the file reaches this many bytes (default: 100MB)
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{path: config.Path, maxSize: config.MaxSize}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file = file
	l.size = info.Size()
	l.encoder = json.NewEncoder(file)
	return nil
}

// rotate renames the current file with a timestamp suffix and starts a new one
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}
	return l.open()
}

// Log appends the event
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	prepare(ctx, event)

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}
	if l.size > 0 && l.size+int64(len(data)) >= l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.file.Write(append(data, '\n'))
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
