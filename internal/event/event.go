// Package event defines the NDJSON event stream emitted by the opencode CLI
// under --format json, and the codec that turns raw lines into typed events.
// Format observed from actual opencode run output:
//
//	{"type":"step_start","timestamp":...,"sessionID":"ses_...","part":{"id":"...","snapshot":"..."}}
//	{"type":"text","timestamp":...,"sessionID":"ses_...","part":{"id":"...","text":"...","time":{...}}}
//	{"type":"tool_use","timestamp":...,"sessionID":"ses_...","part":{"tool":"bash","callID":"...","state":{...}}}
//	{"type":"step_finish","timestamp":...,"sessionID":"ses_...","part":{"reason":"stop","tokens":{...},"cost":...}}
package event

// Type identifies an event variant.
type Type string

const (
	TypeStepStart  Type = "step_start"
	TypeText       Type = "text"
	TypeToolUse    Type = "tool_use"
	TypeStepFinish Type = "step_finish"
)

// Known reports whether t is one of the four variants the supervisor handles.
func (t Type) Known() bool {
	switch t {
	case TypeStepStart, TypeText, TypeToolUse, TypeStepFinish:
		return true
	}
	return false
}

// Step-finish reasons.
const (
	ReasonStop      = "stop"
	ReasonToolCalls = "tool-calls"
)

// Event is one parsed line of worker output.
// Raw holds the original line so persistence can append it byte-for-byte,
// preserving fields the typed model does not carry.
type Event struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionID"` //nolint:tagliatelle // matches actual opencode output
	Part      Part   `json:"part"`

	Raw []byte `json:"-"`
}

// Part carries the variant-specific payload. Field groups are exclusive per
// variant but share a single struct, matching the wire format.
type Part struct {
	ID string `json:"id,omitempty"`

	// step_start
	Snapshot string `json:"snapshot,omitempty"`

	// text
	Text string `json:"text,omitempty"`
	Time *Span  `json:"time,omitempty"`

	// tool_use
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"` //nolint:tagliatelle // matches actual opencode output
	State  *ToolState `json:"state,omitempty"`

	// step_finish
	Reason string  `json:"reason,omitempty"`
	Tokens *Tokens `json:"tokens,omitempty"`
	Cost   float64 `json:"cost,omitempty"`
}

// ToolState is the execution state of a tool_use event.
type ToolState struct {
	Status   string         `json:"status,omitempty"` // "completed", "pending", "error"
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Metadata *ToolMetadata  `json:"metadata,omitempty"`
	Time     *Span          `json:"time,omitempty"`
}

// ToolMetadata carries tool result details.
type ToolMetadata struct {
	Exit      *int `json:"exit,omitempty"`
	Truncated bool `json:"truncated,omitempty"`
}

// Tokens is the usage block of a step_finish event.
type Tokens struct {
	Input     int          `json:"input,omitempty"`
	Output    int          `json:"output,omitempty"`
	Reasoning int          `json:"reasoning,omitempty"`
	Cache     *CacheTokens `json:"cache,omitempty"`
}

// CacheTokens is cache read/write token usage.
type CacheTokens struct {
	Read  int `json:"read,omitempty"`
	Write int `json:"write,omitempty"`
}

// Span is a start/end pair in epoch milliseconds.
type Span struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// IsCompletion reports whether e signals the worker finished its run
// (step_finish with reason "stop").
func (e Event) IsCompletion() bool {
	return e.Type == TypeStepFinish && e.Part.Reason == ReasonStop
}

// Text returns the text payload, or "" for non-text events.
func (e Event) Text() string {
	if e.Type != TypeText {
		return ""
	}
	return e.Part.Text
}

// Usage returns the token usage of a step_finish event, or nil.
func (e Event) Usage() *Tokens {
	if e.Type != TypeStepFinish {
		return nil
	}
	return e.Part.Tokens
}
