package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/stream"
)

func TestTurnPrinterFollowsOwnTurn(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &turnPrinter{out: &out, errOut: &errOut, turnID: "mine"}

	frames := []event.Event{
		event.TurnStart{TurnID: "other"},
		event.TextDelta{Text: "not mine"},
		event.TurnEnd{Status: event.StatusComplete},
		event.TurnStart{TurnID: "mine"},
		event.TextDelta{Text: "hello "},
		event.ToolCall{ToolCallID: "t1", ToolName: "Bash", ArgsText: `{"command":"ls"}`},
		event.TextDelta{Text: "world"},
	}
	for i, ev := range frames {
		if !p.frame(stream.Frame{ID: uint64(i + 1), Event: ev}) {
			t.Fatalf("printer stopped early at frame %d", i)
		}
	}
	if p.frame(stream.Frame{ID: 99, Event: event.TurnEnd{Status: event.StatusComplete}}) {
		t.Fatal("printer should stop at its own turn end")
	}
	if got := out.String(); got != "hello world\n" {
		t.Errorf("stdout = %q", got)
	}
	if !strings.Contains(errOut.String(), "[Bash]") {
		t.Errorf("tool call not shown: %q", errOut.String())
	}
	if p.err != nil {
		t.Errorf("unexpected err: %v", p.err)
	}
}

func TestTurnPrinterReportsFailure(t *testing.T) {
	var out bytes.Buffer
	p := &turnPrinter{out: &out, errOut: &out, turnID: "t"}
	p.frame(stream.Frame{ID: 1, Event: event.TurnStart{TurnID: "t"}})
	p.frame(stream.Frame{ID: 2, Event: event.Error{Message: "boom"}})
	p.frame(stream.Frame{ID: 3, Event: event.TurnEnd{Status: event.StatusErrored}})
	if p.err == nil || !strings.Contains(p.err.Error(), "boom") {
		t.Fatalf("err = %v", p.err)
	}

	p = &turnPrinter{out: &out, errOut: &out, turnID: "t"}
	p.frame(stream.Frame{ID: 1, Event: event.TurnStart{TurnID: "t"}})
	p.frame(stream.Frame{ID: 2, Event: event.TurnEnd{Status: event.StatusInterrupted}})
	if p.err == nil {
		t.Fatal("interrupted turn should report an error")
	}
}

func TestMessageText(t *testing.T) {
	got, err := messageText([]string{"from args"}, strings.NewReader("ignored"))
	if err != nil || got != "from args" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = messageText(nil, strings.NewReader("  from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := messageText(nil, strings.NewReader("   ")); err == nil {
		t.Fatal("empty stdin should fail")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("DUCKPOND_TEST_ENVOR", "")
	if got := envOr("DUCKPOND_TEST_ENVOR", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
	t.Setenv("DUCKPOND_TEST_ENVOR", "set")
	if got := envOr("DUCKPOND_TEST_ENVOR", "fallback"); got != "set" {
		t.Errorf("got %q", got)
	}
}
