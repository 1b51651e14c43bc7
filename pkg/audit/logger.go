package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/sirupsen/logrus"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoopLogger{}
}

// NoopLogger discards every event
type NoopLogger struct{}

func (NoopLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (NoopLogger) Close() error                                    { return nil }

// LogrusLogger writes audit events to the process log at Info level
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger creates a logger that tags entries with audit=true
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{logger: logger.WithField("audit", true)}
}

// Log writes the event as structured fields
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	prepare(ctx, event)

	fields := logrus.Fields{
		"audit_id":      event.ID,
		"event_type":    event.EventType,
		"status":        event.Status,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.OrganizationID != nil {
		fields["organization_id"] = *event.OrganizationID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Changes != nil {
		fields["before"] = event.Changes.Before
		fields["after"] = event.Changes.After
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.logger.WithFields(fields)
	if event.ErrorMessage != "" {
		entry = entry.WithField("error", event.ErrorMessage)
	}
	entry.Info(event.Message)
	return nil
}

// Close is a no-op
func (l *LogrusLogger) Close() error {
	return nil
}

// prepare fills in the id, timestamp and request id when missing
func prepare(ctx context.Context, event *AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = contextkeys.GetRequestID(ctx)
	}
}
