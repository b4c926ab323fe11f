// Package event defines the response events a turn produces and the user
// content a turn is submitted with. These are the only shapes that cross from
// the orchestration core to readers.
package event

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeTurnStart     Type = "turn-start"
	TypeTextDelta     Type = "text-delta"
	TypeThinkingDelta Type = "thinking-delta"
	TypeToolCall      Type = "tool-call"
	TypeToolResult    Type = "tool-result"
	TypeSessionID     Type = "session-id"
	TypeContext       Type = "context"
	TypeStatus        Type = "status"
	TypeError         Type = "error"
	TypeTurnEnd       Type = "turn-end"
)

// TurnStatus is the lifecycle state of a turn. A turn is sealed once it
// reaches complete, errored or interrupted.
type TurnStatus string

const (
	StatusPending     TurnStatus = "pending"
	StatusRunning     TurnStatus = "running"
	StatusComplete    TurnStatus = "complete"
	StatusErrored     TurnStatus = "errored"
	StatusInterrupted TurnStatus = "interrupted"
)

// Sealed reports whether s is a terminal status.
func (s TurnStatus) Sealed() bool {
	return s == StatusComplete || s == StatusErrored || s == StatusInterrupted
}

// PhaseCompacting is the status phase emitted when the runtime compacts context.
const PhaseCompacting = "compacting"

// Event is one item of a turn's output. The set of implementations is closed.
type Event interface {
	Type() Type
	isEvent()
}

type TurnStart struct {
	TurnID string `json:"turnId"`
}

type TextDelta struct {
	Text string `json:"text"`
}

type ThinkingDelta struct {
	Text string `json:"text"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	ArgsText   string          `json:"argsText"`
}

type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

type SessionID struct {
	SessionID string `json:"sessionId"`
}

// Context reports the conversation's current context size in tokens.
type Context struct {
	Count int `json:"count"`
}

type Status struct {
	Phase string `json:"phase"`
}

type Error struct {
	Message string `json:"message"`
}

type TurnEnd struct {
	Status TurnStatus `json:"status"`
}

func (TurnStart) Type() Type     { return TypeTurnStart }
func (TextDelta) Type() Type     { return TypeTextDelta }
func (ThinkingDelta) Type() Type { return TypeThinkingDelta }
func (ToolCall) Type() Type      { return TypeToolCall }
func (ToolResult) Type() Type    { return TypeToolResult }
func (SessionID) Type() Type     { return TypeSessionID }
func (Context) Type() Type       { return TypeContext }
func (Status) Type() Type        { return TypeStatus }
func (Error) Type() Type         { return TypeError }
func (TurnEnd) Type() Type       { return TypeTurnEnd }

func (TurnStart) isEvent()     {}
func (TextDelta) isEvent()     {}
func (ThinkingDelta) isEvent() {}
func (ToolCall) isEvent()      {}
func (ToolResult) isEvent()    {}
func (SessionID) isEvent()     {}
func (Context) isEvent()       {}
func (Status) isEvent()        {}
func (Error) isEvent()         {}
func (TurnEnd) isEvent()       {}

// Decode rebuilds an event from its wire name and JSON payload.
func Decode(name string, data []byte) (Event, error) {
	var ev Event
	switch Type(name) {
	case TypeTurnStart:
		ev = decodeAs[TurnStart](data)
	case TypeTextDelta:
		ev = decodeAs[TextDelta](data)
	case TypeThinkingDelta:
		ev = decodeAs[ThinkingDelta](data)
	case TypeToolCall:
		ev = decodeAs[ToolCall](data)
	case TypeToolResult:
		ev = decodeAs[ToolResult](data)
	case TypeSessionID:
		ev = decodeAs[SessionID](data)
	case TypeContext:
		ev = decodeAs[Context](data)
	case TypeStatus:
		ev = decodeAs[Status](data)
	case TypeError:
		ev = decodeAs[Error](data)
	case TypeTurnEnd:
		ev = decodeAs[TurnEnd](data)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if ev == nil {
		return nil, fmt.Errorf("decode %s: invalid payload", name)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) Event {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
	}
	return v
}
