package agent

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

type rawLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
	Event     json.RawMessage `json:"event"`

	// result
	IsError    bool   `json:"is_error"`
	Result     string `json:"result"`
	NumTurns   int    `json:"num_turns"`
	DurationMS int    `json:"duration_ms"`
	Usage      *Usage `json:"usage"`

	// system compact_boundary
	CompactMetadata *CompactMetadata `json:"compact_metadata"`

	// control_response
	Response *controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *Usage          `json:"usage"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine decodes one line of stream-json output. Lines that carry no
// conversation content (control responses, unknown types) yield a nil
// Message and a nil error.
func ParseLine(line []byte) (Message, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse agent line: %w", err)
	}
	switch raw.Type {
	case "assistant":
		msg, blocks, err := parseMessage(raw.Message)
		if err != nil {
			return nil, err
		}
		return AssistantMessage{ID: msg.ID, SessionID: raw.SessionID, Blocks: blocks, Usage: msg.Usage}, nil
	case "user":
		_, blocks, err := parseMessage(raw.Message)
		if err != nil {
			return nil, err
		}
		return UserMessage{SessionID: raw.SessionID, Blocks: blocks}, nil
	case "system":
		return SystemMessage{Subtype: raw.Subtype, SessionID: raw.SessionID, Compact: raw.CompactMetadata}, nil
	case "stream_event":
		return parseStreamEvent(raw)
	case "result":
		res := ResultMessage{
			Subtype:    raw.Subtype,
			SessionID:  raw.SessionID,
			IsError:    raw.IsError,
			Result:     raw.Result,
			NumTurns:   raw.NumTurns,
			DurationMS: raw.DurationMS,
		}
		if raw.Usage != nil {
			res.Usage = *raw.Usage
		}
		return res, nil
	}
	return nil, nil
}

func parseMessage(data json.RawMessage) (rawMessage, []Block, error) {
	var msg rawMessage
	if len(data) == 0 {
		return msg, nil, nil
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, nil, fmt.Errorf("parse agent message: %w", err)
	}
	// user messages echoed back may carry plain string content
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		if text == "" {
			return msg, nil, nil
		}
		return msg, []Block{TextBlock{Text: text}}, nil
	}
	var raws []rawBlock
	if len(msg.Content) > 0 {
		if err := json.Unmarshal(msg.Content, &raws); err != nil {
			return msg, nil, fmt.Errorf("parse agent content: %w", err)
		}
	}
	blocks := make([]Block, 0, len(raws))
	for _, b := range raws {
		switch b.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: b.Text})
		case "thinking":
			blocks = append(blocks, ThinkingBlock{Thinking: b.Thinking})
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, ToolUseBlock{ID: b.ID, Name: b.Name, Input: input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: b.ToolUseID,
				Content:   ToolResultText(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return msg, blocks, nil
}

// ToolResultText flattens tool_result content, which is either a string or a
// list of text blocks.
func ToolResultText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var parts []rawBlock
	if err := json.Unmarshal(data, &parts); err != nil {
		return string(data)
	}
	var out string
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

func parseStreamEvent(raw rawLine) (Message, error) {
	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(raw.Event, &ev); err != nil {
		return nil, fmt.Errorf("parse stream event: %w", err)
	}
	out := StreamEvent{SessionID: raw.SessionID, Kind: StreamOther}
	switch ev.Type {
	case "message_start":
		out.Kind = StreamMessageStart
		out.MessageID = ev.Message.ID
		if u := ev.Message.Usage; u.InputTokens+u.CacheCreationInputTokens+u.CacheReadInputTokens > 0 {
			out.Usage = &Usage{
				InputTokens:              int(u.InputTokens),
				OutputTokens:             int(u.OutputTokens),
				CacheCreationInputTokens: int(u.CacheCreationInputTokens),
				CacheReadInputTokens:     int(u.CacheReadInputTokens),
			}
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			out.Kind = StreamTextDelta
			out.Text = ev.Delta.Text
		case "thinking_delta":
			out.Kind = StreamThinkingDelta
			out.Text = ev.Delta.Thinking
		}
	}
	return out, nil
}
