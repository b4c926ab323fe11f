package main

import (
	"reflect"
	"testing"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/config"
)

func TestConnectOpts(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Agent.BaseURL = "http://127.0.0.1:8766"
	cfg.Agent.CWD = "/Pondside"

	opts := connectOpts(cfg, agent.Prompt{Body: "soul", Model: "sonnet"})
	if got := opts.Env["ANTHROPIC_BASE_URL"]; got != "http://127.0.0.1:8766" {
		t.Errorf("ANTHROPIC_BASE_URL = %q", got)
	}
	if opts.Model != "sonnet" || opts.SystemPrompt != "soul" || opts.CWD != "/Pondside" {
		t.Errorf("opts = %+v", opts)
	}
	if !reflect.DeepEqual(opts.AllowedTools, config.DefaultTools) {
		t.Errorf("tools = %v", opts.AllowedTools)
	}

	cfg.Agent.Model = "opus"
	cfg.Agent.BaseURL = ""
	opts = connectOpts(cfg, agent.Prompt{Tools: []string{"Read"}})
	if opts.Model != "opus" {
		t.Errorf("config model should win, got %q", opts.Model)
	}
	if !reflect.DeepEqual(opts.AllowedTools, []string{"Read"}) {
		t.Errorf("frontmatter tools should win, got %v", opts.AllowedTools)
	}
	if opts.Env != nil {
		t.Errorf("env without a proxy = %v", opts.Env)
	}
}
