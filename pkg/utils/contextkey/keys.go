package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID key = "trace_id"
	JobID   key = "job_id"
	Check   key = "check"
)

// WithJob returns a child context carrying the job id and check name used in log fields.
func WithJob(ctx context.Context, jobID, check string) context.Context {
	ctx = context.WithValue(ctx, JobID, jobID)
	if check != "" {
		ctx = context.WithValue(ctx, Check, check)
	}
	return ctx
}

// WithTrace returns a child context carrying the trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceID, traceID)
}

// TraceFrom returns the trace id stored in ctx, or "".
func TraceFrom(ctx context.Context) string {
	id, _ := ctx.Value(TraceID).(string)
	return id
}
