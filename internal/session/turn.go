package session

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/store"
	"github.com/ehrlich-b/duckpond/internal/turn"
)

// Turn is one user message and everything the agent produced for it. Its
// events are append-only and it becomes immutable once sealed.
type Turn struct {
	ID             string
	ConversationID string
	Content        []event.ContentPart
	SubmittedAt    time.Time
	// Queued is set when the turn had to wait behind another.
	Queued bool

	mu          sync.Mutex
	status      event.TurnStatus
	events      []event.Event
	startedAt   time.Time
	endedAt     time.Time
	tr          *turn.Translator
	cancel      context.CancelFunc
	interrupted bool
	done        chan struct{}
}

func newTurn(id, conversationID string, content []event.ContentPart) *Turn {
	return &Turn{
		ID:             id,
		ConversationID: conversationID,
		Content:        content,
		SubmittedAt:    time.Now(),
		status:         event.StatusPending,
		done:           make(chan struct{}),
	}
}

func (t *Turn) Status() event.TurnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Events returns a copy of the events produced so far.
func (t *Turn) Events() []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event.Event(nil), t.events...)
}

// Done is closed when the turn seals.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn seals or ctx ends.
func (t *Turn) Wait(ctx context.Context) (event.TurnStatus, error) {
	select {
	case <-t.done:
		return t.Status(), nil
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

// append records ev. It reports false once the turn is sealed.
func (t *Turn) append(ev event.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Sealed() {
		return false
	}
	t.events = append(t.events, ev)
	switch v := ev.(type) {
	case event.TurnStart:
		t.status = event.StatusRunning
		t.startedAt = time.Now()
	case event.TurnEnd:
		t.status = v.Status
		t.endedAt = time.Now()
		close(t.done)
	}
	return true
}

func (t *Turn) start(tr *turn.Translator, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tr = tr
	t.cancel = cancel
	if t.interrupted {
		tr.Interrupt()
	}
}

// requestInterrupt marks the turn. It reports false if the turn was already
// marked or sealed.
func (t *Turn) requestInterrupt() bool {
	t.mu.Lock()
	if t.interrupted || t.status.Sealed() {
		t.mu.Unlock()
		return false
	}
	t.interrupted = true
	tr := t.tr
	t.mu.Unlock()
	if tr != nil {
		tr.Interrupt()
	}
	return true
}

func (t *Turn) abort() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Turn) sealed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Turn) record(sessionID string, contextTokens int) *store.TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &store.TurnRecord{
		ID:            t.ID,
		SessionID:     sessionID,
		Status:        t.status,
		UserText:      event.PlainText(t.Content),
		ContextTokens: contextTokens,
		StartedAt:     t.startedAt,
		EndedAt:       t.endedAt,
		Events:        append([]event.Event(nil), t.events...),
	}
	if t.tr != nil {
		r.AssistantText = t.tr.Text()
	}
	for _, ev := range t.events {
		switch v := ev.(type) {
		case event.ToolCall:
			r.ToolCalls++
		case event.Error:
			r.Error = v.Message
		}
	}
	return r
}

func (t *Turn) interruptRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}
