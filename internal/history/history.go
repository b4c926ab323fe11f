// Package history reads the agent CLI's JSONL session files and turns them
// into displayable messages.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/ehrlich-b/duckpond/internal/agent"
)

var ErrNotFound = errors.New("session not found")

const titleRunes = 50

// Part is one displayable piece of a message. Type is "text", "image" or
// "tool-call".
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Image      string          `json:"image,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsText   string          `json:"argsText,omitempty"`
	Result     *string         `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

type Message struct {
	Role      string `json:"role"`
	Content   []Part `json:"content"`
	UUID      string `json:"uuid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Session struct {
	ID        string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	CreatedAt *string   `json:"created_at"`
	UpdatedAt *string   `json:"updated_at"`
}

type Summary struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	CreatedAt *string `json:"created_at"`
	UpdatedAt *string `json:"updated_at"`
}

type record struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source"`
}

// readRecords calls fn for every well-formed line. Malformed lines are
// skipped.
func readRecords(r io.Reader, fn func(record) bool) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec record
			if json.Unmarshal(line, &rec) == nil {
				if !fn(rec) {
					return nil
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Parse builds the display view of one session file.
func Parse(id string, r io.Reader) (*Session, error) {
	s := &Session{ID: id, Messages: []Message{}}
	calls := make(map[string]*Part)

	err := readRecords(r, func(rec record) bool {
		if rec.Timestamp != "" {
			ts := rec.Timestamp
			if s.CreatedAt == nil {
				s.CreatedAt = &ts
			}
			s.UpdatedAt = &ts
		}
		switch rec.Type {
		case "user":
			if parts := userParts(rec.Message.Content, calls); len(parts) > 0 {
				s.Messages = append(s.Messages, Message{Role: "user", Content: parts, UUID: rec.UUID, Timestamp: rec.Timestamp})
			}
		case "assistant":
			if parts := assistantParts(rec.Message.Content); len(parts) > 0 {
				s.Messages = append(s.Messages, Message{Role: "assistant", Content: parts, UUID: rec.UUID, Timestamp: rec.Timestamp})
				last := &s.Messages[len(s.Messages)-1]
				for i := range last.Content {
					if p := &last.Content[i]; p.Type == "tool-call" && p.ToolCallID != "" {
						calls[p.ToolCallID] = p
					}
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// userParts normalizes user content. Tool results are attached to the
// call they answer and produce no part of their own.
func userParts(raw json.RawMessage, calls map[string]*Part) []Part {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		if text == "" {
			return nil
		}
		return []Part{{Type: "text", Text: text}}
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var parts []Part
	for _, item := range items {
		if json.Unmarshal(item, &text) == nil {
			if text != "" {
				parts = append(parts, Part{Type: "text", Text: text})
			}
			continue
		}
		var b block
		if json.Unmarshal(item, &b) != nil {
			continue
		}
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Type: "text", Text: b.Text})
			}
		case "image":
			parts = append(parts, Part{Type: "image", Image: imageURL(b)})
		case "tool_result":
			call, ok := calls[b.ToolUseID]
			if !ok {
				continue
			}
			result := agent.ToolResultText(b.Content)
			call.Result = &result
			call.IsError = b.IsError
		}
	}
	return parts
}

func assistantParts(raw json.RawMessage) []Part {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		var text string
		if json.Unmarshal(raw, &text) == nil && text != "" {
			return []Part{{Type: "text", Text: text}}
		}
		return nil
	}
	var parts []Part
	for _, item := range items {
		var b block
		if json.Unmarshal(item, &b) != nil {
			continue
		}
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Type: "text", Text: b.Text})
			}
		case "tool_use":
			args := b.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, Part{
				Type:       "tool-call",
				ToolCallID: b.ID,
				ToolName:   b.Name,
				Args:       args,
				ArgsText:   indentJSON(args),
			})
		}
	}
	return parts
}

func imageURL(b block) string {
	if b.Source == nil || b.Source.Type != "base64" {
		return "[image]"
	}
	media := b.Source.MediaType
	if media == "" {
		media = "image/png"
	}
	return "data:" + media + ";base64," + b.Source.Data
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Summarize reads just enough of a session file to describe it in a
// listing: the first user text as title plus first and last timestamps.
func Summarize(id string, r io.Reader) (*Summary, error) {
	s := &Summary{ID: id}
	titled := false
	err := readRecords(r, func(rec record) bool {
		if rec.Timestamp != "" {
			ts := rec.Timestamp
			if s.CreatedAt == nil {
				s.CreatedAt = &ts
			}
			s.UpdatedAt = &ts
		}
		if !titled && rec.Type == "user" {
			titled = true
			s.Title = firstText(rec.Message.Content)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	s.Title = truncate(s.Title, titleRunes)
	if s.Title == "" {
		s.Title = id
		if len(id) > 8 {
			s.Title = id[:8]
		}
	}
	return s, nil
}

func firstText(raw json.RawMessage) string {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return ""
	}
	for _, item := range items {
		if json.Unmarshal(item, &text) == nil {
			return text
		}
		var b block
		if json.Unmarshal(item, &b) == nil && b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
