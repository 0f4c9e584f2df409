// Package traces provides utilities for working with OpenTelemetry traces.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records err on the span in ctx and marks the span as failed. err is also logged at
// debug level; callers log it at a higher level when it warrants attention. It returns err so it
// can be used inline in return statements.
func RecordError(ctx context.Context, err error, options ...trace.EventOption) error {
	if err == nil {
		return nil
	}
	slog.DebugContext(ctx, "Error occurred", "error", err)
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
	return err
}
