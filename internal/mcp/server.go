package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/pubsub"
)

// ToolHandler is a function that handles a tool call.
// It receives the parsed arguments and returns a result or error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolCallEvent records one completed tool invocation. Published on the
// server's broker so observers (tracing, diagnostics) can follow the
// control surface without touching the dispatch path.
type ToolCallEvent struct {
	Timestamp time.Time
	ToolName  string
	Params    json.RawMessage
	Duration  time.Duration
	IsError   bool
	Err       string
}

// progressTokenKey carries a request's progress token through the handler
// context.
type progressTokenKey struct{}

// progressTokenFrom extracts the caller-supplied progress token, if any.
func progressTokenFrom(ctx context.Context) (json.RawMessage, bool) {
	tok, ok := ctx.Value(progressTokenKey{}).(json.RawMessage)
	return tok, ok && len(tok) > 0
}

// Server implements an MCP server over stdio.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	toolOrder    []string
	handlers     map[string]ToolHandler

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	initialized bool

	broker *pubsub.Broker[ToolCallEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
		broker:   pubsub.NewBrokerWithBuffer[ToolCallEvent](128),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterTool registers a tool with its handler. Tools are listed in
// registration order.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Broker returns the tool-call event broker.
func (s *Server) Broker() *pubsub.Broker[ToolCallEvent] {
	return s.broker
}

// Serve starts the server, reading from stdin and writing to stdout.
// It returns when the input stream closes or the server is stopped.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Stop gracefully shuts down the server and waits for in-flight
// notifier goroutines.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
	s.broker.Close()
}

// run is the main server loop.
func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Increase buffer for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		log.Debug(log.CatMCP, "Received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		// A frame with an ID (not null) is a request and needs a
		// response; anything else is a notification.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.handleRequest(&req)
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "Scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// handleRequest processes a JSON-RPC request and sends a response.
func (s *Server) handleRequest(req *Request) {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	if req.Method == "" {
		s.sendError(req.ID, NewInvalidRequest("missing method"))
		return
	}

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)

	case "tools/list":
		result, rpcErr = s.handleToolsList(req.Params)

	case "tools/call":
		result, rpcErr = s.handleToolsCall(req.Params)

	case "ping":
		result = struct{}{}

	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)
	} else {
		s.sendResult(req.ID, result)
	}
}

// handleNotification processes a JSON-RPC notification (no response).
func (s *Server) handleNotification(req *Request) {
	log.Debug(log.CatMCP, "Handling notification", "method", req.Method)

	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized")

	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled")

	default:
		// Unknown notifications are ignored per spec
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

// handleInitialize processes the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{
				ListChanged: false, // tool set is fixed for the process lifetime
			},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	return result, nil
}

// handleToolsList returns the available tools in registration order.
func (s *Server) handleToolsList(_ json.RawMessage) (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tools = append(tools, s.tools[name])
	}

	return ToolsListResult{Tools: tools}, nil
}

// handleToolsCall invokes a tool and returns its result.
func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)

	ctx := s.ctx
	if p.Meta != nil && len(p.Meta.ProgressToken) > 0 {
		ctx = context.WithValue(ctx, progressTokenKey{}, p.Meta.ProgressToken)
	}

	startTime := time.Now()
	result, err := handler(ctx, p.Arguments)
	duration := time.Since(startTime)

	s.publishToolEvent(p.Name, params, result, err, duration)

	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		// Tool failures surface as tool results, not RPC errors
		return ErrorResult(err.Error()), nil
	}
	if result == nil {
		return nil, NewInternalError(fmt.Sprintf("tool %s returned no result", p.Name))
	}

	return result, nil
}

// publishToolEvent publishes a ToolCallEvent for observers.
func (s *Server) publishToolEvent(toolName string, requestParams json.RawMessage, result *ToolCallResult, err error, duration time.Duration) {
	if s.broker == nil {
		return
	}

	evt := ToolCallEvent{
		Timestamp: time.Now(),
		ToolName:  toolName,
		Params:    requestParams,
		Duration:  duration,
	}

	switch {
	case err != nil:
		evt.IsError = true
		evt.Err = err.Error()
	case result != nil && result.IsError:
		evt.IsError = true
	}

	s.broker.Publish(pubsub.CreatedEvent, evt)
}

// SendProgress emits a notifications/progress frame for the given token.
func (s *Server) SendProgress(token json.RawMessage, progress float64, message string) {
	s.notify("notifications/progress", ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Message:       message,
	})
}

// notify marshals and writes a notification frame.
func (s *Server) notify(method string, params any) {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal notification", "method", method, "error", err)
		return
	}
	s.writeLine(data)
}

// sendResult sends a success response.
func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(NewResponse(id, result))
}

// sendError sends an error response.
func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	s.send(NewErrorResponse(id, err))
}

// send marshals and writes a response.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		return
	}
	s.writeLine(data)
}

// writeLine writes one newline-delimited JSON frame. All writers share
// the server mutex so frames never interleave.
func (s *Server) writeLine(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write frame", "error", err)
	}

	log.Debug(log.CatMCP, "Sent frame", "raw", string(data[:len(data)-1]))
}
