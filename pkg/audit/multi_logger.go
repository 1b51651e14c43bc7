package audit

import (
	"context"
	"errors"
)

// MultiLogger logs to multiple audit loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes to every logger; one failing destination does not skip the others
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	prepare(ctx, event)

	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
