package tracing

// Span attribute keys. These are the semantic conventions for supervisor
// traces; the file exporter surfaces them verbatim for jq queries.
const (
	// Task attributes
	AttrTaskID     = "task.id"
	AttrTaskModel  = "task.model"
	AttrTaskAgent  = "task.agent"
	AttrTaskStatus = "task.status"
	AttrTaskTitle  = "task.title"

	// Session attributes
	AttrSessionID = "session.id"

	// MCP attributes
	AttrToolName = "mcp.tool.name"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanTaskRun       = "task.run"
	SpanPrefixMCPTool = "mcp.tool."
)

// Event names for span events.
const (
	EventStatusChanged = "task.status_changed"
	EventShutdown      = "supervisor.shutdown"
)
