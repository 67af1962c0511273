package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zjrosen/ocmcp/internal/cache"
	"github.com/zjrosen/ocmcp/internal/config"
	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/pool"
	"github.com/zjrosen/ocmcp/internal/runner"
	"github.com/zjrosen/ocmcp/internal/task"
)

// Input limits for the control tools. Lengths count characters, not bytes.
// Model references share the config package's format rule.
const (
	maxTaskChars     = 100_000
	maxGuidanceChars = 10_000
	maxTitleChars    = 256
	maxResponseChars = 50_000
)

// titleTaskChars is how much of the task text a derived title keeps.
const titleTaskChars = 50

// defaultListLimit bounds list_tasks output when the caller gives none.
const defaultListLimit = 10

// progressInterval is the cadence of notifications/progress frames for a
// watched task. Variable so tests can shorten it.
var progressInterval = 25 * time.Second

// cliProbeTTL is how long a successful worker CLI version probe stays
// cached; failed probes are never cached so an install is picked up on
// the next health check.
const cliProbeTTL = 30 * time.Second

const serverInstructions = `This server runs opencode tasks asynchronously. Use start_task to launch
a task, list_tasks to see recent sessions, respond_to_task when a task is
input_required, cancel_task to stop one, and check_health to inspect the
CLI, config and process pool.`

// Deps are the collaborators the control tools drive. All of them are
// required except the config fields, whose zero values mean "not
// configured".
type Deps struct {
	Manager *task.Manager
	Runner  *runner.Runner
	Pool    *pool.Pool

	// Config-sourced defaults, fixed for the process lifetime.
	PrimaryModel  string
	FallbackModel string
	DefaultAgent  string
}

// TaskServer is the MCP server exposing the task control tools.
type TaskServer struct {
	*Server
	deps   Deps
	probes *cache.ReadThrough[runner.CLIHealth]
}

// NewTaskServer creates the control-surface server and registers its
// tools.
func NewTaskServer(deps Deps, version string) *TaskServer {
	ts := &TaskServer{
		Server: NewServer("ocmcp", version, WithInstructions(serverInstructions)),
		deps:   deps,
	}
	ts.probes = cache.NewReadThrough(
		cache.New[runner.CLIHealth]("cli-probe", cache.DefaultExpiration, cache.DefaultCleanupInterval),
		func(ctx context.Context) (runner.CLIHealth, error) {
			h := deps.Runner.CheckCLI(ctx)
			if !h.Available {
				return h, errors.New(h.Error)
			}
			return h, nil
		},
	)
	ts.registerTools()
	return ts
}

// registerTools registers the five control tools.
func (ts *TaskServer) registerTools() {
	ts.RegisterTool(Tool{
		Name:        "start_task",
		Description: "Start an asynchronous opencode task. Returns immediately with a taskId; poll with list_tasks or supply a progress token to be notified.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"task":           {Type: "string", Description: "The task prompt for the worker (max 100000 chars)"},
				"agent":          {Type: "string", Description: "Worker agent mode", Enum: []string{"explore", "plan", "build"}},
				"model":          {Type: "string", Description: "Model as provider/model (e.g. anthropic/claude-sonnet-4-5); defaults to the configured model"},
				"outputGuidance": {Type: "string", Description: "Appended to the prompt as output guidance (max 10000 chars)"},
				"sessionTitle":   {Type: "string", Description: "Title for the session (max 256 chars); derived from the task text if omitted"},
			},
			Required: []string{"task"},
		},
		OutputSchema: &OutputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId":    {Type: "string", Description: "Identifier for the started task"},
				"sessionId": {Type: "string", Description: "Worker session ID; empty until the first event arrives"},
				"status":    {Type: "string", Description: "Initial task status"},
			},
			Required: []string{"taskId", "sessionId", "status"},
		},
	}, ts.handleStartTask)

	ts.RegisterTool(Tool{
		Name:        "list_tasks",
		Description: "List supervised task sessions, most recently active first.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"status": {Type: "string", Description: "Which tasks to list", Enum: []string{"active", "all"}, Default: "active"},
				"limit":  {Type: "number", Description: "Maximum number of sessions to return", Default: defaultListLimit},
			},
		},
		OutputSchema: &OutputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"sessions": {
					Type:        "array",
					Description: "Task sessions sorted by last activity, newest first",
					Items: &PropertySchema{
						Type: "object",
						Properties: map[string]*PropertySchema{
							"taskId":      {Type: "string"},
							"sessionId":   {Type: "string"},
							"title":       {Type: "string"},
							"status":      {Type: "string"},
							"model":       {Type: "string"},
							"agent":       {Type: "string"},
							"createdAt":   {Type: "string", Description: "ISO 8601 timestamp"},
							"lastEventAt": {Type: "string", Description: "ISO 8601 timestamp"},
						},
						Required: []string{"taskId", "sessionId", "title", "status", "model", "agent", "createdAt", "lastEventAt"},
					},
				},
				"total": {Type: "number", Description: "Matching task count before the limit was applied"},
			},
			Required: []string{"sessions", "total"},
		},
	}, ts.handleListTasks)

	ts.RegisterTool(Tool{
		Name:        "respond_to_task",
		Description: "Send a response to a task that is waiting for user input (status input_required). Resumes the worker session.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId":   {Type: "string", Description: "Task to respond to"},
				"response": {Type: "string", Description: "Response text for the worker (max 50000 chars)"},
			},
			Required: []string{"taskId", "response"},
		},
		OutputSchema: taskActionSchema(),
	}, ts.handleRespond)

	ts.RegisterTool(Tool{
		Name:        "cancel_task",
		Description: "Cancel a task: kills its worker process (if any) and marks it cancelled. Safe to call in any state.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId": {Type: "string", Description: "Task to cancel"},
			},
			Required: []string{"taskId"},
		},
		OutputSchema: taskActionSchema(),
	}, ts.handleCancel)

	ts.RegisterTool(Tool{
		Name:        "check_health",
		Description: "Report supervisor health: worker CLI availability, configured models, process pool occupancy and task counts.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]*PropertySchema{},
		},
	}, ts.handleHealth)
}

// taskActionSchema is the shared output shape of respond_to_task and
// cancel_task.
func taskActionSchema() *OutputSchema {
	return &OutputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"taskId":  {Type: "string"},
			"status":  {Type: "string", Description: "Task status after the action"},
			"message": {Type: "string", Description: "Human-readable outcome"},
		},
		Required: []string{"taskId", "status", "message"},
	}
}

// Tool argument structs for JSON parsing.
type startTaskArgs struct {
	Task           string `json:"task"`
	Agent          string `json:"agent"`
	Model          string `json:"model"`
	OutputGuidance string `json:"outputGuidance"`
	SessionTitle   string `json:"sessionTitle"`
}

type listTasksArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type respondArgs struct {
	TaskID   string `json:"taskId"`
	Response string `json:"response"`
}

type cancelArgs struct {
	TaskID string `json:"taskId"`
}

// startTaskResponse is the structured result of start_task.
type startTaskResponse struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// sessionSummary is one projected task in list_tasks output.
type sessionSummary struct {
	TaskID      string `json:"taskId"`
	SessionID   string `json:"sessionId"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Model       string `json:"model"`
	Agent       string `json:"agent"`
	CreatedAt   string `json:"createdAt"`
	LastEventAt string `json:"lastEventAt"`
}

// listTasksResponse is the structured result of list_tasks.
type listTasksResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// taskActionResponse describes the outcome of respond_to_task and
// cancel_task. Both report state instead of erroring when the task is not
// in a respondable/cancellable state.
type taskActionResponse struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// healthConfig is the config section of check_health output.
type healthConfig struct {
	PrimaryModel  string `json:"primaryModel"`
	FallbackModel string `json:"fallbackModel,omitempty"`
	DefaultAgent  string `json:"defaultAgent,omitempty"`
}

// healthTasks is the task-count section of check_health output.
type healthTasks struct {
	Active                 int `json:"active"`
	Total                  int `json:"total"`
	ActiveProcesses        int `json:"activeProcesses"`
	ActiveRespondProcesses int `json:"activeRespondProcesses"`
}

// healthResponse is the structured result of check_health.
type healthResponse struct {
	CLI    runner.CLIHealth `json:"cli"`
	Config healthConfig     `json:"config"`
	Pool   pool.Status      `json:"pool"`
	Tasks  healthTasks      `json:"tasks"`
}

// handleStartTask validates inputs, registers the task and launches the
// worker.
func (ts *TaskServer) handleStartTask(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args startTaskArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if strings.TrimSpace(args.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	if n := utf8.RuneCountInString(args.Task); n > maxTaskChars {
		return nil, fmt.Errorf("task is too long: %d chars (max %d)", n, maxTaskChars)
	}

	model := args.Model
	if model == "" {
		model = ts.deps.PrimaryModel
	}
	if model == "" {
		return nil, fmt.Errorf("no model given and none configured; pass model or run `ocmcp config init`")
	}
	if err := config.ValidateModel("model", model); err != nil {
		return nil, err
	}

	agent := args.Agent
	if agent == "" {
		agent = ts.deps.DefaultAgent
	}
	if !task.Agent(agent).IsValid() {
		return nil, fmt.Errorf("unknown agent %q (want explore, plan or build)", agent)
	}

	if n := utf8.RuneCountInString(args.OutputGuidance); n > maxGuidanceChars {
		return nil, fmt.Errorf("outputGuidance is too long: %d chars (max %d)", n, maxGuidanceChars)
	}
	if n := utf8.RuneCountInString(args.SessionTitle); n > maxTitleChars {
		return nil, fmt.Errorf("sessionTitle is too long: %d chars (max %d)", n, maxTitleChars)
	}

	title := args.SessionTitle
	if title == "" {
		title = deriveTitle(args.Task)
	}

	taskID := ts.deps.Manager.CreateTask(task.CreateTaskInput{
		Title: title,
		Model: model,
		Agent: task.Agent(agent),
	})

	if err := ts.deps.Runner.Start(runner.StartInput{
		TaskID:         taskID,
		Prompt:         args.Task,
		Model:          model,
		Agent:          task.Agent(agent),
		OutputGuidance: args.OutputGuidance,
	}); err != nil {
		ts.deps.Manager.RemoveTask(taskID)
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	if token, ok := progressTokenFrom(ctx); ok {
		ts.watchProgress(token, taskID)
	}

	resp := startTaskResponse{TaskID: taskID, SessionID: "", Status: task.StatusWorking.String()}
	return structuredJSON(resp)
}

// handleListTasks projects the task registry for callers.
func (ts *TaskServer) handleListTasks(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	args := listTasksArgs{Status: "active", Limit: defaultListLimit}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if args.Status == "" {
		args.Status = "active"
	}
	if args.Limit <= 0 {
		args.Limit = defaultListLimit
	}

	var snaps []task.Snapshot
	switch args.Status {
	case "active":
		snaps = ts.deps.Manager.ListActive()
	case "all":
		snaps = ts.deps.Manager.ListAll()
	default:
		return nil, fmt.Errorf("status must be %q or %q, got %q", "active", "all", args.Status)
	}

	total := len(snaps)
	if len(snaps) > args.Limit {
		snaps = snaps[:args.Limit]
	}

	sessions := make([]sessionSummary, len(snaps))
	for i, s := range snaps {
		sessions[i] = sessionSummary{
			TaskID:      s.TaskID,
			SessionID:   s.SessionID,
			Title:       s.Title,
			Status:      s.Status.String(),
			Model:       s.Model,
			Agent:       string(s.Agent),
			CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
			LastEventAt: s.LastEventAt.UTC().Format(time.RFC3339),
		}
	}

	return structuredJSON(listTasksResponse{Sessions: sessions, Total: total})
}

// handleRespond resumes an input_required task with the caller's response.
// Precondition violations are reported as state, not as errors.
func (ts *TaskServer) handleRespond(ctx context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args respondArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.TaskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}
	if args.Response == "" {
		return nil, fmt.Errorf("response is required")
	}
	if n := utf8.RuneCountInString(args.Response); n > maxResponseChars {
		return nil, fmt.Errorf("response is too long: %d chars (max %d)", n, maxResponseChars)
	}

	snap, err := ts.deps.Manager.TaskState(args.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return structuredJSON(taskActionResponse{
			TaskID:  args.TaskID,
			Status:  task.StatusFailed.String(),
			Message: fmt.Sprintf("Task not found: %s", args.TaskID),
		})
	}
	if err != nil {
		return nil, err
	}

	if snap.Status != task.StatusInputRequired {
		return structuredJSON(taskActionResponse{
			TaskID:  args.TaskID,
			Status:  snap.Status.String(),
			Message: fmt.Sprintf("Task is not waiting for input (status: %s)", snap.Status),
		})
	}
	if snap.SessionID == "" {
		return structuredJSON(taskActionResponse{
			TaskID:  args.TaskID,
			Status:  snap.Status.String(),
			Message: "Task has no worker session yet; wait for its first event",
		})
	}

	ts.deps.Runner.Respond(args.TaskID, snap.SessionID, args.Response)

	if token, ok := progressTokenFrom(ctx); ok {
		ts.watchProgress(token, args.TaskID)
	}

	// The status flips back to working when the continuation's first
	// event lands; report it optimistically.
	return structuredJSON(taskActionResponse{
		TaskID:  args.TaskID,
		Status:  task.StatusWorking.String(),
		Message: fmt.Sprintf("Response sent to %s; worker resumed", args.TaskID),
	})
}

// handleCancel kills the task's worker and marks it cancelled.
func (ts *TaskServer) handleCancel(_ context.Context, rawArgs json.RawMessage) (*ToolCallResult, error) {
	var args cancelArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.TaskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}

	status, err := ts.deps.Manager.TaskStatus(args.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return structuredJSON(taskActionResponse{
			TaskID:  args.TaskID,
			Status:  task.StatusFailed.String(),
			Message: fmt.Sprintf("Task not found: %s", args.TaskID),
		})
	}
	if err != nil {
		return nil, err
	}

	if status.IsTerminal() {
		return structuredJSON(taskActionResponse{
			TaskID:  args.TaskID,
			Status:  status.String(),
			Message: fmt.Sprintf("Task is already in terminal state: %s", status),
		})
	}

	killed := ts.deps.Runner.Stop(args.TaskID)
	if err := ts.deps.Manager.CancelTask(args.TaskID); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		return nil, err
	}

	log.Info(log.CatMCP, "Task cancelled via tool", "taskID", args.TaskID, "killedProcess", killed)

	return structuredJSON(taskActionResponse{
		TaskID:  args.TaskID,
		Status:  task.StatusCancelled.String(),
		Message: "Task cancelled",
	})
}

// handleHealth reports supervisor health.
func (ts *TaskServer) handleHealth(ctx context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	counts := ts.deps.Manager.Counts()
	active := counts[task.StatusWorking] + counts[task.StatusInputRequired]
	total := 0
	for _, n := range counts {
		total += n
	}

	cli, _ := ts.probes.Get(ctx, "cli-version", cliProbeTTL)

	resp := healthResponse{
		CLI: cli,
		Config: healthConfig{
			PrimaryModel:  ts.deps.PrimaryModel,
			FallbackModel: ts.deps.FallbackModel,
			DefaultAgent:  ts.deps.DefaultAgent,
		},
		Pool: ts.deps.Pool.GetStatus(),
		Tasks: healthTasks{
			Active:                 active,
			Total:                  total,
			ActiveProcesses:        ts.deps.Runner.ActiveProcesses(),
			ActiveRespondProcesses: ts.deps.Runner.ActiveRespondProcesses(),
		},
	}

	return structuredJSON(resp)
}

// watchProgress emits notifications/progress for a task until it reaches
// a terminal status, the task is purged, or the server stops.
func (ts *TaskServer) watchProgress(token json.RawMessage, taskID string) {
	ts.wg.Add(1)
	start := time.Now()
	log.SafeGo("mcp.progress."+taskID, func() {
		defer ts.wg.Done()

		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ts.ctx.Done():
				return
			case <-ticker.C:
				status, err := ts.deps.Manager.TaskStatus(taskID)
				if err != nil {
					return
				}
				ts.SendProgress(token, time.Since(start).Seconds(),
					fmt.Sprintf("Task %s status: %s", taskID, status))
				if status.IsTerminal() {
					return
				}
			}
		}
	})
}

// deriveTitle builds a session title from the task text when the caller
// gives none.
func deriveTitle(taskText string) string {
	runes := []rune(taskText)
	if len(runes) <= titleTaskChars {
		return "Async task: " + taskText
	}
	return "Async task: " + string(runes[:titleTaskChars]) + "…"
}

// structuredJSON wraps a response document as a tool result carrying both
// the pretty-printed text and the structured form.
func structuredJSON(v any) (*ToolCallResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return StructuredResult(string(data), v), nil
}
