package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentPart is one piece of submitted user content.
type ContentPart struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

var ErrEmptyContent = errors.New("content is empty")

// TextPart is shorthand for a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ParseContent accepts either a bare JSON string or an array of parts.
func ParseContent(raw json.RawMessage) ([]ContentPart, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyContent
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse content string: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, ErrEmptyContent
		}
		return []ContentPart{TextPart(s)}, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("parse content parts: %w", err)
	}
	if len(parts) == 0 {
		return nil, ErrEmptyContent
	}
	for i, p := range parts {
		switch p.Type {
		case "text":
		case "image":
			if p.Source == nil || p.Source.Type != "base64" || p.Source.Data == "" {
				return nil, fmt.Errorf("part %d: image needs a base64 source", i)
			}
		default:
			return nil, fmt.Errorf("part %d: unsupported type %q", i, p.Type)
		}
	}
	return parts, nil
}

// PlainText joins the text parts with newlines.
func PlainText(parts []ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
