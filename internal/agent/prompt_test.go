package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePromptFrontmatter(t *testing.T) {
	content := `---
name: Alpha
description: "house agent"
tools: [Read, Bash]
---

You are Alpha.
Be brief.
`
	p, err := ParsePrompt(content)
	if err != nil {
		t.Fatalf("ParsePrompt: %v", err)
	}
	if p.Name != "Alpha" {
		t.Errorf("name = %q, want Alpha", p.Name)
	}
	if len(p.Tools) != 2 || p.Tools[1] != "Bash" {
		t.Errorf("tools = %v", p.Tools)
	}
	if p.Body != "You are Alpha.\nBe brief." {
		t.Errorf("body = %q", p.Body)
	}
}

func TestParsePromptNoFrontmatter(t *testing.T) {
	p, err := ParsePrompt("  just a prompt\n")
	if err != nil {
		t.Fatalf("ParsePrompt: %v", err)
	}
	if p.Body != "just a prompt" {
		t.Errorf("body = %q", p.Body)
	}
}

func TestParsePromptUnterminated(t *testing.T) {
	if _, err := ParsePrompt("---\nname: x\n"); err == nil {
		t.Error("expected error for unterminated frontmatter")
	}
}

func TestLoadPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Alpha.md")
	if err := os.WriteFile(path, []byte("---\nname: Alpha\n---\nhello"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPrompt(path)
	if err != nil {
		t.Fatalf("LoadPrompt: %v", err)
	}
	if p.Body != "hello" {
		t.Errorf("body = %q", p.Body)
	}

	empty, err := LoadPrompt("")
	if err != nil || empty.Body != "" {
		t.Errorf("empty path: %+v, %v", empty, err)
	}
	if _, err := LoadPrompt(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("expected error for missing file")
	}
}
