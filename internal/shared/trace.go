package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type hostIDKey struct{}
type jobIDKey struct{}
type entryIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithHostID attaches a host_id to the context.
func WithHostID(ctx context.Context, hostID int64) context.Context {
	return context.WithValue(ctx, hostIDKey{}, hostID)
}

// HostID extracts host_id from context. Returns 0 if absent.
func HostID(ctx context.Context) int64 {
	if v, ok := ctx.Value(hostIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithJobID attaches a job_id to the context.
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID extracts job_id from context. Returns 0 if absent.
func JobID(ctx context.Context) int64 {
	if v, ok := ctx.Value(jobIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithEntryID attaches a queue entry id to the context.
func WithEntryID(ctx context.Context, entryID int64) context.Context {
	return context.WithValue(ctx, entryIDKey{}, entryID)
}

// EntryID extracts the queue entry id from context. Returns 0 if absent.
func EntryID(ctx context.Context) int64 {
	if v, ok := ctx.Value(entryIDKey{}).(int64); ok {
		return v
	}
	return 0
}
