package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/ocmcp/internal/task"
)

// Observer turns supervisor activity into spans: one span per task run,
// opened on the first observed transition and closed on the terminal one,
// plus one retroactive span per finished tool call. Safe for concurrent
// use.
type Observer struct {
	tracer trace.Tracer
	lookup func(taskID string) (task.Metadata, error)

	mu   sync.Mutex
	open map[string]trace.Span
}

// NewObserver builds an observer on the provider's tracer. lookup resolves
// task metadata for span attributes; typically Manager.TaskMetadata.
func NewObserver(p *Provider, lookup func(taskID string) (task.Metadata, error)) *Observer {
	return &Observer{
		tracer: p.Tracer(),
		lookup: lookup,
		open:   make(map[string]trace.Span),
	}
}

// StatusChanged feeds one task transition into the trace stream. The first
// transition for a task opens its span, back-dated to the task's creation
// so the span covers the whole run; terminal transitions close it.
func (o *Observer) StatusChanged(change task.StatusChange) {
	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.open[change.TaskID]
	if !ok {
		span = o.startTaskSpan(change.TaskID)
		o.open[change.TaskID] = span
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskStatus, string(change.Status)),
	}
	if change.Message != "" {
		attrs = append(attrs, attribute.String(AttrErrorMessage, change.Message))
	}
	span.AddEvent(EventStatusChanged, trace.WithAttributes(attrs...))

	if !change.Status.IsTerminal() {
		return
	}

	span.SetAttributes(attribute.String(AttrTaskStatus, string(change.Status)))
	switch change.Status {
	case task.StatusFailed:
		span.SetStatus(codes.Error, change.Message)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	delete(o.open, change.TaskID)
}

// startTaskSpan opens the span for a task run, attributed from the
// manager's metadata when the task is still known.
func (o *Observer) startTaskSpan(taskID string) trace.Span {
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	attrs := []attribute.KeyValue{attribute.String(AttrTaskID, taskID)}

	if o.lookup != nil {
		if meta, err := o.lookup(taskID); err == nil {
			opts = append(opts, trace.WithTimestamp(meta.CreatedAt))
			attrs = append(attrs,
				attribute.String(AttrTaskModel, meta.Model),
				attribute.String(AttrTaskAgent, string(meta.Agent)),
				attribute.String(AttrTaskTitle, meta.Title),
			)
			if meta.SessionID != "" {
				attrs = append(attrs, attribute.String(AttrSessionID, meta.SessionID))
			}
		}
	}

	_, span := o.tracer.Start(context.Background(), SpanTaskRun, opts...)
	span.SetAttributes(attrs...)
	return span
}

// ToolCall records one finished tool invocation as a span covering its
// actual run time. errMsg is empty for successful calls.
func (o *Observer) ToolCall(name string, start time.Time, duration time.Duration, errMsg string) {
	_, span := o.tracer.Start(context.Background(), SpanPrefixMCPTool+name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(start),
	)
	span.SetAttributes(attribute.String(AttrToolName, name))
	if errMsg != "" {
		span.SetAttributes(attribute.String(AttrErrorMessage, errMsg))
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(start.Add(duration)))
}

// Shutdown closes any task spans still open so they reach the exporter.
// Tasks running at supervisor exit end without a terminal status.
func (o *Observer) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for taskID, span := range o.open {
		span.AddEvent(EventShutdown)
		span.End()
		delete(o.open, taskID)
	}
}
