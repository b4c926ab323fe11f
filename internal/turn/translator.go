// Package turn converts the agent runtime's raw messages for one turn into
// response events.
package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

// ErrNoResult is reported when the raw stream ends without a result.
var ErrNoResult = errors.New("agent stream ended without a result")

// CompactionSink receives compaction boundaries. Record must not block.
type CompactionSink interface {
	Record(sessionID, trigger string, preTokens int)
}

type Options struct {
	// SessionID is the conversation id known before the turn, "" if new.
	SessionID  string
	Compaction CompactionSink
	Logger     *slog.Logger
}

// Translator is the per-turn state machine. It is not safe for concurrent
// use except for Interrupt.
type Translator struct {
	known      string
	sessionID  string
	compaction CompactionSink
	log        *slog.Logger

	interrupted   chan struct{}
	interruptOnce sync.Once
	sealed        bool
	status        event.TurnStatus

	currentMsg string
	streamed   map[string]bool
	seenCalls  map[string]bool
	openCalls  map[string]bool

	text          strings.Builder
	requestTokens int
	contextTokens int
}

func New(opts Options) *Translator {
	log := opts.Logger
	if log == nil {
		log = logger.With("turn")
	}
	return &Translator{
		known:       opts.SessionID,
		sessionID:   opts.SessionID,
		compaction:  opts.Compaction,
		log:         log,
		interrupted: make(chan struct{}),
		status:      event.StatusRunning,
		streamed:    make(map[string]bool),
		seenCalls:   make(map[string]bool),
		openCalls:   make(map[string]bool),
	}
}

// Interrupt marks the turn as cancellation-requested. The turn will seal as
// interrupted whatever the runtime reports afterwards. Safe to call from any
// goroutine, more than once.
func (t *Translator) Interrupt() {
	t.interruptOnce.Do(func() { close(t.interrupted) })
}

func (t *Translator) isInterrupted() bool {
	select {
	case <-t.interrupted:
		return true
	default:
		return false
	}
}

// Translate turns one raw message into zero or more events.
func (t *Translator) Translate(msg agent.Message) []event.Event {
	if t.sealed || msg == nil {
		return nil
	}
	switch m := msg.(type) {
	case agent.StreamEvent:
		return t.streamEvent(m)
	case agent.AssistantMessage:
		return t.assistant(m)
	case agent.UserMessage:
		return t.user(m)
	case agent.SystemMessage:
		return t.system(m)
	case agent.ResultMessage:
		return t.result(m)
	default:
		t.log.Warn("unhandled agent message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (t *Translator) streamEvent(m agent.StreamEvent) []event.Event {
	switch m.Kind {
	case agent.StreamMessageStart:
		t.currentMsg = m.MessageID
		t.noteUsage(m.Usage)
	case agent.StreamTextDelta:
		t.streamed[t.currentMsg] = true
		if m.Text != "" {
			t.text.WriteString(m.Text)
			return []event.Event{event.TextDelta{Text: m.Text}}
		}
	case agent.StreamThinkingDelta:
		t.streamed[t.currentMsg] = true
		if m.Text != "" {
			return []event.Event{event.ThinkingDelta{Text: m.Text}}
		}
	}
	return nil
}

func (t *Translator) assistant(m agent.AssistantMessage) []event.Event {
	var out []event.Event
	deltasSeen := t.streamed[m.ID]
	t.noteUsage(m.Usage)
	for _, b := range m.Blocks {
		switch blk := b.(type) {
		case agent.TextBlock:
			if !deltasSeen && blk.Text != "" {
				t.text.WriteString(blk.Text)
				out = append(out, event.TextDelta{Text: blk.Text})
			}
		case agent.ThinkingBlock:
			if !deltasSeen && blk.Thinking != "" {
				out = append(out, event.ThinkingDelta{Text: blk.Thinking})
			}
		case agent.ToolUseBlock:
			if t.seenCalls[blk.ID] {
				continue
			}
			t.seenCalls[blk.ID] = true
			t.openCalls[blk.ID] = true
			out = append(out, event.ToolCall{
				ToolCallID: blk.ID,
				ToolName:   blk.Name,
				Args:       blk.Input,
				ArgsText:   compactJSON(blk.Input),
			})
		}
	}
	return out
}

func (t *Translator) user(m agent.UserMessage) []event.Event {
	var out []event.Event
	for _, b := range m.Blocks {
		res, ok := b.(agent.ToolResultBlock)
		if !ok {
			continue
		}
		if !t.openCalls[res.ToolUseID] {
			t.log.Warn("dropping tool result with no open call", "tool_use_id", res.ToolUseID)
			continue
		}
		delete(t.openCalls, res.ToolUseID)
		out = append(out, event.ToolResult{
			ToolCallID: res.ToolUseID,
			Result:     res.Content,
			IsError:    res.IsError,
		})
	}
	return out
}

func (t *Translator) system(m agent.SystemMessage) []event.Event {
	if m.SessionID != "" {
		t.sessionID = m.SessionID
	}
	if m.Subtype != agent.SystemCompactBoundary {
		return nil
	}
	var trigger string
	var pre int
	if m.Compact != nil {
		trigger, pre = m.Compact.Trigger, m.Compact.PreTokens
	}
	if t.compaction != nil && t.sessionID != "" {
		t.compaction.Record(t.sessionID, trigger, pre)
	}
	t.log.Info("context compacted", "session", t.sessionID, "trigger", trigger, "pre_tokens", pre)
	return []event.Event{event.Status{Phase: event.PhaseCompacting}}
}

// noteUsage remembers the prompt size of the latest API request.
func (t *Translator) noteUsage(u *agent.Usage) {
	if u == nil {
		return
	}
	if n := u.ContextTokens(); n > 0 {
		t.requestTokens = n
	}
}

func (t *Translator) result(m agent.ResultMessage) []event.Event {
	var out []event.Event
	if m.SessionID != "" {
		t.sessionID = m.SessionID
	}
	if t.sessionID != "" && t.sessionID != t.known {
		out = append(out, event.SessionID{SessionID: t.sessionID})
	}
	n := t.requestTokens
	if n == 0 {
		// no per-request usage seen; the result total is all there is
		n = m.Usage.ContextTokens()
	}
	if n > 0 {
		t.contextTokens = n
		out = append(out, event.Context{Count: n})
	}

	switch {
	case t.isInterrupted():
		t.status = event.StatusInterrupted
	case m.IsError:
		msg := m.Result
		if msg == "" {
			msg = "agent error: " + m.Subtype
		}
		out = append(out, event.Error{Message: msg})
		t.status = event.StatusErrored
	default:
		t.status = event.StatusComplete
	}
	t.sealed = true
	return append(out, event.TurnEnd{Status: t.status})
}

// Finish seals a turn whose stream ended without a result. It returns nil if
// the turn is already sealed.
func (t *Translator) Finish(err error) []event.Event {
	if t.sealed {
		return nil
	}
	t.sealed = true
	if t.isInterrupted() {
		t.status = event.StatusInterrupted
		return []event.Event{event.TurnEnd{Status: t.status}}
	}
	if err == nil {
		err = ErrNoResult
	}
	t.status = event.StatusErrored
	return []event.Event{
		event.Error{Message: err.Error()},
		event.TurnEnd{Status: t.status},
	}
}

// Events translates a whole stream lazily. The sequence always ends with a
// TurnEnd unless the consumer stops early.
func (t *Translator) Events(ctx context.Context, s *agent.Stream) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for !t.sealed {
			msg, ok := s.Next(ctx)
			var evs []event.Event
			if ok {
				evs = t.Translate(msg)
			} else {
				evs = t.Finish(s.Err())
			}
			for _, ev := range evs {
				if !yield(ev) {
					return
				}
			}
		}
	}
}

func (t *Translator) Sealed() bool            { return t.sealed }
func (t *Translator) Status() event.TurnStatus { return t.status }

// SessionID is the latest session id the runtime reported.
func (t *Translator) SessionID() string { return t.sessionID }

// Text is the assistant text produced so far.
func (t *Translator) Text() string { return t.text.String() }

// ContextTokens is the context size from the result usage, 0 if unknown.
func (t *Translator) ContextTokens() int { return t.contextTokens }

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
