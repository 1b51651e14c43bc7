package observability

import (
	"context"
	"io"
	"strings"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// SetupLogger creates the process logger. Unknown levels fall back to info;
// format "json" selects the JSON formatter, anything else the text one.
func SetupLogger(level, format string, output io.Writer) *logrus.Logger {
	logger := logrus.New()
	if output != nil {
		logger.SetOutput(output)
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// WithRequestContext adds the request id, caller identity and active trace
// to a logger
func WithRequestContext(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	fields := logrus.Fields{}

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	if userID, ok := contextkeys.GetUserID(ctx); ok {
		fields["user_id"] = userID.String()
	}
	if orgID, ok := contextkeys.GetOrganizationID(ctx); ok {
		fields["organization_id"] = orgID.String()
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		fields["trace_id"] = spanCtx.TraceID().String()
		fields["span_id"] = spanCtx.SpanID().String()
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}
