package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompt is a system prompt file: optional YAML frontmatter followed by the
// prompt body.
type Prompt struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
	Model       string   `yaml:"model"`
	Body        string   `yaml:"-"`
}

// LoadPrompt reads a system prompt file. An empty path yields an empty
// prompt.
func LoadPrompt(path string) (Prompt, error) {
	if path == "" {
		return Prompt{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, fmt.Errorf("read system prompt: %w", err)
	}
	return ParsePrompt(string(content))
}

// ParsePrompt splits frontmatter from the body. Content without a leading
// "---" line is all body.
func ParsePrompt(content string) (Prompt, error) {
	trimmed := strings.TrimLeft(content, "\ufeff \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return Prompt{Body: strings.TrimSpace(content)}, nil
	}

	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return Prompt{}, fmt.Errorf("invalid system prompt: unterminated frontmatter")
	}

	var p Prompt
	if err := yaml.Unmarshal([]byte(parts[1]), &p); err != nil {
		return Prompt{}, fmt.Errorf("parsing frontmatter: %w", err)
	}
	p.Body = strings.TrimSpace(parts[2])
	return p, nil
}
