package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// === Unit Tests: Parse ===

func TestParse_StepStart(t *testing.T) {
	line := []byte(`{"type":"step_start","timestamp":1712000000000,"sessionID":"ses_abc","part":{"id":"prt_1","snapshot":"snap"}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, TypeStepStart, ev.Type)
	require.Equal(t, int64(1712000000000), ev.Timestamp)
	require.Equal(t, "ses_abc", ev.SessionID)
	require.Equal(t, "prt_1", ev.Part.ID)
	require.Equal(t, "snap", ev.Part.Snapshot)
	require.Equal(t, line, ev.Raw)
}

func TestParse_Text(t *testing.T) {
	line := []byte(`{"type":"text","timestamp":1,"sessionID":"ses_abc","part":{"id":"prt_2","text":"Hello","time":{"start":10,"end":20}}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, TypeText, ev.Type)
	require.Equal(t, "Hello", ev.Part.Text)
	require.NotNil(t, ev.Part.Time)
	require.Equal(t, int64(10), ev.Part.Time.Start)
	require.Equal(t, int64(20), ev.Part.Time.End)
	require.Equal(t, "Hello", ev.Text())
}

func TestParse_ToolUse(t *testing.T) {
	line := []byte(`{"type":"tool_use","timestamp":2,"sessionID":"ses_abc","part":{"id":"prt_3","tool":"bash","callID":"call_9","state":{"status":"completed","input":{"command":"ls"},"output":"README.md","metadata":{"exit":0,"truncated":false}}}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, TypeToolUse, ev.Type)
	require.Equal(t, "bash", ev.Part.Tool)
	require.Equal(t, "call_9", ev.Part.CallID)
	require.NotNil(t, ev.Part.State)
	require.Equal(t, "completed", ev.Part.State.Status)
	require.Equal(t, "README.md", ev.Part.State.Output)
	require.NotNil(t, ev.Part.State.Metadata)
	require.NotNil(t, ev.Part.State.Metadata.Exit)
	require.Equal(t, 0, *ev.Part.State.Metadata.Exit)
	require.Empty(t, ev.Text(), "tool_use has no text payload")
}

func TestParse_StepFinishStop(t *testing.T) {
	line := []byte(`{"type":"step_finish","timestamp":3,"sessionID":"ses_abc","part":{"id":"prt_4","reason":"stop","tokens":{"input":120,"output":45,"reasoning":10,"cache":{"read":30,"write":5}},"cost":0.0123}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, TypeStepFinish, ev.Type)
	require.True(t, ev.IsCompletion())
	require.NotNil(t, ev.Usage())
	require.Equal(t, 120, ev.Usage().Input)
	require.Equal(t, 45, ev.Usage().Output)
	require.Equal(t, 10, ev.Usage().Reasoning)
	require.Equal(t, 30, ev.Usage().Cache.Read)
	require.InDelta(t, 0.0123, ev.Part.Cost, 1e-9)
}

func TestParse_StepFinishToolCalls(t *testing.T) {
	line := []byte(`{"type":"step_finish","timestamp":4,"sessionID":"ses_abc","part":{"reason":"tool-calls"}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.False(t, ev.IsCompletion(), "tool-calls is not a completion")
}

func TestParse_ExtraFieldsTolerated(t *testing.T) {
	line := []byte(`{"type":"text","timestamp":5,"sessionID":"s","part":{"text":"x","future_field":7},"trailer":"ignored"}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, "x", ev.Part.Text)
	require.Contains(t, string(ev.Raw), "future_field", "raw line keeps unknown fields")
}

// === Unit Tests: rejection ===

func TestParse_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"not json", `step_start blah`},
		{"json array", `[1,2,3]`},
		{"json scalar", `42`},
		{"missing type", `{"timestamp":1,"sessionID":"s","part":{}}`},
		{"type wrong kind", `{"type":7,"timestamp":1,"sessionID":"s","part":{}}`},
		{"missing timestamp", `{"type":"text","sessionID":"s","part":{}}`},
		{"timestamp wrong kind", `{"type":"text","timestamp":"soon","sessionID":"s","part":{}}`},
		{"missing sessionID", `{"type":"text","timestamp":1,"part":{}}`},
		{"missing part", `{"type":"text","timestamp":1,"sessionID":"s"}`},
		{"null part", `{"type":"text","timestamp":1,"sessionID":"s","part":null}`},
		{"part wrong kind", `{"type":"text","timestamp":1,"sessionID":"s","part":[1]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.line))
			require.Error(t, err)
		})
	}
}

func TestParse_UnknownTypeDropped(t *testing.T) {
	line := []byte(`{"type":"heartbeat","timestamp":1,"sessionID":"s","part":{}}`)

	_, err := Parse(line)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestParse_EmptySessionIDIsStructurallyValid(t *testing.T) {
	// Presence and kind are checked, not content.
	line := []byte(`{"type":"step_start","timestamp":1,"sessionID":"","part":{}}`)

	ev, err := Parse(line)
	require.NoError(t, err)
	require.Empty(t, ev.SessionID)
}

// === Property-Based Tests ===

func TestParse_NeverPanicsOnArbitraryInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "line")
		_, _ = Parse(line)
	})
}

func TestParse_RoundTripsValidEvents(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		types := []Type{TypeStepStart, TypeText, TypeToolUse, TypeStepFinish}
		typ := types[rapid.IntRange(0, 3).Draw(t, "type")]

		in := Event{
			Type:      typ,
			Timestamp: int64(rapid.IntRange(0, 1<<40).Draw(t, "ts")),
			SessionID: rapid.StringMatching(`ses_[a-z0-9]{4,12}`).Draw(t, "sess"),
			Part: Part{
				ID:   rapid.StringMatching(`prt_[a-z0-9]{4,8}`).Draw(t, "id"),
				Text: rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "text"),
			},
		}

		line, err := json.Marshal(in)
		require.NoError(t, err)

		out, err := Parse(line)
		require.NoError(t, err)
		require.Equal(t, in.Type, out.Type)
		require.Equal(t, in.Timestamp, out.Timestamp)
		require.Equal(t, in.SessionID, out.SessionID)
		require.Equal(t, in.Part.ID, out.Part.ID)
		require.Equal(t, in.Part.Text, out.Part.Text)
	})
}
