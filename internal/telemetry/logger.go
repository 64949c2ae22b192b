// Package telemetry provides logging and metrics for the orchestration engine.
package telemetry

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured JSON logger.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// WithCorrelationID adds a correlation ID to the context. If id is empty, a
// new ULID is generated; ULIDs sort by time, which keeps per-message log
// lines groupable and ordered.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// MessageLogger returns a logger scoped to one inbound message.
func MessageLogger(logger *slog.Logger, ctx context.Context, userID string) *slog.Logger {
	attrs := []any{
		slog.String("user", userID),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
