package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a structurally valid line whose type is not one of
// the four handled variants. Callers log and drop these.
var ErrUnknownType = errors.New("unknown event type")

// raw mirrors the wire object with pointer fields so missing and
// wrongly-typed required fields are distinguishable from zero values.
type raw struct {
	Type      *string         `json:"type"`
	Timestamp *float64        `json:"timestamp"`
	SessionID *string         `json:"sessionID"` //nolint:tagliatelle // matches actual opencode output
	Part      json.RawMessage `json:"part"`
}

// Parse decodes one NDJSON line into a typed Event.
//
// Validation is structural only: the line must be a JSON object carrying a
// string "type", a numeric "timestamp", a string "sessionID" and an object
// "part". Fields beyond the typed model are tolerated; the original line is
// retained on Event.Raw so downstream writers preserve them. Parse never
// panics; every failure comes back as an error for the caller to log and
// drop.
func Parse(line []byte) (Event, error) {
	var r raw
	if err := json.Unmarshal(line, &r); err != nil {
		return Event{}, fmt.Errorf("decoding event line: %w", err)
	}

	switch {
	case r.Type == nil:
		return Event{}, errors.New("event missing type")
	case r.Timestamp == nil:
		return Event{}, errors.New("event missing timestamp")
	case r.SessionID == nil:
		return Event{}, errors.New("event missing sessionID")
	case len(r.Part) == 0 || string(r.Part) == "null":
		return Event{}, errors.New("event missing part")
	}

	typ := Type(*r.Type)
	if !typ.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, *r.Type)
	}

	var part Part
	if err := json.Unmarshal(r.Part, &part); err != nil {
		return Event{}, fmt.Errorf("decoding event part: %w", err)
	}

	ev := Event{
		Type:      typ,
		Timestamp: int64(*r.Timestamp),
		SessionID: *r.SessionID,
		Part:      part,
		Raw:       make([]byte, len(line)),
	}
	copy(ev.Raw, line)
	return ev, nil
}
