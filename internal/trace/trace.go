// Package trace carries trace and span ids through contexts so log lines from
// one detection cycle or one API request can be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"
)

// Propagation keys, shared by HTTP headers and gRPC metadata.
const (
	TraceIDKey = "x-trace-id"
	SpanIDKey  = "x-span-id"
)

// Id sizes in bytes; hex encoding doubles them.
const (
	traceIDBytes = 16
	spanIDBytes  = 8
)

type ctxKey struct{}

// Context identifies one span within a trace.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New starts a fresh trace.
func New() Context {
	return Context{TraceID: newID(traceIDBytes), SpanID: newID(spanIDBytes)}
}

// Continue joins a trace started by a caller. An empty traceID starts a new
// trace; callerSpan becomes the parent of the new span.
func Continue(traceID, callerSpan string) Context {
	if traceID == "" {
		traceID = newID(traceIDBytes)
	}
	return Context{TraceID: traceID, SpanID: newID(spanIDBytes), ParentSpanID: callerSpan}
}

// Child returns a new span in the same trace with c as its parent.
func (c Context) Child() Context {
	return Continue(c.TraceID, c.SpanID)
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext returns the trace context stored in ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// WithContext stores tc in ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// Logger returns the default logger tagged with the ids in ctx.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	if tc.ParentSpanID == "" {
		return slog.Default().With("trace_id", tc.TraceID, "span_id", tc.SpanID)
	}
	return slog.Default().With("trace_id", tc.TraceID, "span_id", tc.SpanID, "parent_span_id", tc.ParentSpanID)
}

// Span times one operation such as a detection cycle or a notification.
type Span struct {
	Name string
	Ctx  Context

	start time.Time
	end   time.Time
	attrs []slog.Attr
}

// StartSpan opens a span under the trace in ctx, or under a new trace.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tc := New()
	if parent, ok := FromContext(ctx); ok && parent.TraceID != "" {
		tc = parent.Child()
	}
	s := &Span{Name: name, Ctx: tc, start: time.Now()}
	return WithContext(ctx, tc), s
}

// SetAttr records a key/value pair reported when the span finishes.
func (s *Span) SetAttr(key string, val any) {
	s.attrs = append(s.attrs, slog.Any(key, val))
}

// Finish stops the clock and logs the span at debug level.
func (s *Span) Finish() {
	s.end = time.Now()
	slog.Debug("span finished", "span", s)
}

// Duration is zero until Finish is called.
func (s *Span) Duration() time.Duration {
	if s.end.IsZero() {
		return 0
	}
	return s.end.Sub(s.start)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 5+len(s.attrs))
	attrs = append(attrs,
		slog.String("span_name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	)
	if s.Ctx.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parent_span_id", s.Ctx.ParentSpanID))
	}
	return slog.GroupValue(append(attrs, s.attrs...)...)
}
