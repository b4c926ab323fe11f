package agent

import "encoding/json"

// Message is one raw item of the runtime's output. The set of
// implementations is closed; consumers switch on the concrete type.
type Message interface {
	isMessage()
}

// Block is one content block of an assistant or user message.
type Block interface {
	isBlock()
}

type TextBlock struct {
	Text string
}

type ThinkingBlock struct {
	Thinking string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextBlock) isBlock()       {}
func (ThinkingBlock) isBlock()   {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}

// AssistantMessage is a complete assistant message (or the portion of it the
// runtime flushed).
type AssistantMessage struct {
	ID        string
	SessionID string
	Blocks    []Block
	Usage     *Usage
}

// UserMessage carries tool results fed back to the model.
type UserMessage struct {
	SessionID string
	Blocks    []Block
}

const (
	SystemInit            = "init"
	SystemCompactBoundary = "compact_boundary"
)

type SystemMessage struct {
	Subtype   string
	SessionID string
	Compact   *CompactMetadata
}

type CompactMetadata struct {
	Trigger   string `json:"trigger"`
	PreTokens int    `json:"pre_tokens"`
}

type StreamEventKind int

const (
	StreamOther StreamEventKind = iota
	StreamMessageStart
	StreamTextDelta
	StreamThinkingDelta
)

// StreamEvent is a partial-message event: message boundaries and text or
// thinking deltas. Usage is set on message_start.
type StreamEvent struct {
	SessionID string
	MessageID string
	Kind      StreamEventKind
	Text      string
	Usage     *Usage
}

type ResultMessage struct {
	Subtype    string
	SessionID  string
	IsError    bool
	Result     string
	NumTurns   int
	DurationMS int
	Usage      Usage
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContextTokens is the prompt size of one API request. Only per-request
// usage (message_start, assistant messages) measures the context; a result's
// usage sums every request of the turn.
func (u Usage) ContextTokens() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

func (AssistantMessage) isMessage() {}
func (UserMessage) isMessage()      {}
func (SystemMessage) isMessage()    {}
func (StreamEvent) isMessage()      {}
func (ResultMessage) isMessage()    {}
