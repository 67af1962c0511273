package tracing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/ocmcp/internal/task"
)

// newTestObserver wires an observer to an in-memory span recorder.
func newTestObserver(lookup func(string) (task.Metadata, error)) (*Observer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	obs := &Observer{
		tracer: tp.Tracer("test"),
		lookup: lookup,
		open:   make(map[string]trace.Span),
	}
	return obs, recorder
}

// attrValue digs a string attribute out of a recorded span.
func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestObserver_TaskLifecycleSpan(t *testing.T) {
	created := time.Now().Add(-90 * time.Second)
	lookup := func(taskID string) (task.Metadata, error) {
		return task.Metadata{
			TaskID:    taskID,
			SessionID: "ses_123",
			Title:     "Async task: refactor parser",
			Model:     "anthropic/claude-sonnet-4-5",
			Agent:     task.AgentBuild,
			CreatedAt: created,
		}, nil
	}
	obs, recorder := newTestObserver(lookup)

	id := "task_0123456789abcdef01234567"
	obs.StatusChanged(task.StatusChange{TaskID: id, Status: task.StatusInputRequired, Message: "Waiting for user input"})
	obs.StatusChanged(task.StatusChange{TaskID: id, Status: task.StatusWorking})
	obs.StatusChanged(task.StatusChange{TaskID: id, Status: task.StatusCompleted})

	ended := recorder.Ended()
	require.Len(t, ended, 1, "one span per task run")

	span := ended[0]
	require.Equal(t, SpanTaskRun, span.Name())
	require.True(t, span.StartTime().Equal(created), "span should be back-dated to task creation")
	require.Equal(t, codes.Ok, span.Status().Code)

	attrs := span.Attributes()
	require.Equal(t, id, attrValue(attrs, AttrTaskID))
	require.Equal(t, "anthropic/claude-sonnet-4-5", attrValue(attrs, AttrTaskModel))
	require.Equal(t, "build", attrValue(attrs, AttrTaskAgent))
	require.Equal(t, "ses_123", attrValue(attrs, AttrSessionID))
	require.Equal(t, "completed", attrValue(attrs, AttrTaskStatus))

	events := span.Events()
	require.Len(t, events, 3, "one event per transition")
	require.Equal(t, EventStatusChanged, events[0].Name)
	require.Equal(t, "input_required", attrValue(events[0].Attributes, AttrTaskStatus))
	require.Equal(t, "completed", attrValue(events[2].Attributes, AttrTaskStatus))
}

func TestObserver_FailedTaskMarksError(t *testing.T) {
	obs, recorder := newTestObserver(nil)

	obs.StatusChanged(task.StatusChange{
		TaskID:  "task_f",
		Status:  task.StatusFailed,
		Message: "Process exited with code 1",
	})

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Equal(t, "Process exited with code 1", ended[0].Status().Description)
	require.Equal(t, "failed", attrValue(ended[0].Attributes(), AttrTaskStatus))
}

func TestObserver_CancelledTaskIsNotAnError(t *testing.T) {
	obs, recorder := newTestObserver(nil)

	obs.StatusChanged(task.StatusChange{TaskID: "task_c", Status: task.StatusCancelled, Message: "Task cancelled"})

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Ok, ended[0].Status().Code)
}

func TestObserver_LookupFailureStillTraces(t *testing.T) {
	lookup := func(string) (task.Metadata, error) {
		return task.Metadata{}, errors.New("task not found")
	}
	obs, recorder := newTestObserver(lookup)

	obs.StatusChanged(task.StatusChange{TaskID: "task_x", Status: task.StatusCompleted})

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "task_x", attrValue(ended[0].Attributes(), AttrTaskID))
	require.Empty(t, attrValue(ended[0].Attributes(), AttrTaskModel))
}

func TestObserver_ToolCall(t *testing.T) {
	obs, recorder := newTestObserver(nil)

	start := time.Now().Add(-time.Second)
	obs.ToolCall("start_task", start, 120*time.Millisecond, "")
	obs.ToolCall("respond_to_task", start, 30*time.Millisecond, "task is required")

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	ok := ended[0]
	require.Equal(t, "mcp.tool.start_task", ok.Name())
	require.Equal(t, trace.SpanKindServer, ok.SpanKind())
	require.True(t, ok.StartTime().Equal(start), "tool span covers the actual call time")
	require.True(t, ok.EndTime().Equal(start.Add(120*time.Millisecond)))
	require.Equal(t, codes.Ok, ok.Status().Code)

	failed := ended[1]
	require.Equal(t, "mcp.tool.respond_to_task", failed.Name())
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Equal(t, "task is required", attrValue(failed.Attributes(), AttrErrorMessage))
}

func TestObserver_ShutdownEndsOpenSpans(t *testing.T) {
	obs, recorder := newTestObserver(nil)

	obs.StatusChanged(task.StatusChange{TaskID: "task_open", Status: task.StatusInputRequired, Message: "Waiting for user input"})
	require.Empty(t, recorder.Ended(), "non-terminal task span stays open")

	obs.Shutdown()

	ended := recorder.Ended()
	require.Len(t, ended, 1)

	events := ended[0].Events()
	require.Equal(t, EventShutdown, events[len(events)-1].Name)
	require.NotEqual(t, codes.Error, ended[0].Status().Code, "shutdown is not a task failure")
}
