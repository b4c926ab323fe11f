// Package session owns the single live agent client and runs turns on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/logger"
	"github.com/ehrlich-b/duckpond/internal/store"
	"github.com/ehrlich-b/duckpond/internal/turn"
)

var (
	ErrQueueFull = errors.New("turn queue full")
	ErrClosed    = errors.New("session manager closed")
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultInterruptGrace = 10 * time.Second
	DefaultMaxQueued      = 8

	archiveTimeout  = 5 * time.Second
	teardownTimeout = 15 * time.Second
)

// Publisher fans turn events out to readers of a conversation.
type Publisher interface {
	Publish(conversationID string, ev event.Event)
	Rename(from, to string)
}

// Orienter prepares the context appended to each turn.
type Orienter interface {
	MarkSessionStart(ctx context.Context)
	Build(ctx context.Context, sessionID string) event.ContentPart
}

// Prompter renders the system prompt for each new runtime connection.
type Prompter interface {
	SystemPrompt(ctx context.Context, base string) string
}

type Archiver interface {
	ArchiveTurn(ctx context.Context, r *store.TurnRecord) error
}

type Config struct {
	// Connect is the template for every connection; Resume is filled in
	// per conversation.
	Connect        agent.ConnectOpts
	ConnectTimeout time.Duration
	InterruptGrace time.Duration
	MaxQueued      int
}

type Deps struct {
	Runtime    agent.Runtime
	Publisher  Publisher
	Orienter   Orienter
	Prompter   Prompter
	Compaction turn.CompactionSink
	Archiver   Archiver
	Logger     *slog.Logger
}

// Usage is the last context size seen for a conversation.
type Usage struct {
	Count int
	At    time.Time
}

type Manager struct {
	runtime    agent.Runtime
	pub        Publisher
	orient     Orienter
	prompter   Prompter
	compaction turn.CompactionSink
	archive    Archiver
	cfg        Config
	log        *slog.Logger

	// mu serializes acquire, submit and teardown.
	mu     sync.Mutex
	client atomic.Pointer[Client]
	closed bool

	usageMu sync.Mutex
	usage   map[string]Usage
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = DefaultInterruptGrace
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	log := deps.Logger
	if log == nil {
		log = logger.With("session")
	}
	return &Manager{
		runtime:    deps.Runtime,
		pub:        deps.Publisher,
		orient:     deps.Orienter,
		prompter:   deps.Prompter,
		compaction: deps.Compaction,
		archive:    deps.Archiver,
		cfg:        cfg,
		log:        log,
		usage:      make(map[string]Usage),
	}
}

// Acquire returns the live client bound to conversationID, tearing down a
// client bound elsewhere and connecting a new one if needed.
func (m *Manager) Acquire(ctx context.Context, conversationID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(ctx, conversationID)
}

func (m *Manager) acquireLocked(ctx context.Context, conversationID string) (*Client, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if c := m.client.Load(); c != nil {
		if c.ID() == conversationID && (c.Alive() || c.Busy()) {
			return c, nil
		}
		m.client.Store(nil)
		reason := "conversation switched before turn ran"
		if c.ID() == conversationID {
			reason = "agent connection lost before turn ran"
		}
		m.log.Info("tearing down client", "from", short(c.ID()), "to", short(conversationID))
		c.teardown(reason)
	}

	conn, err := m.connect(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c := newClient(m, conn, conversationID)
	m.client.Store(c)
	go c.run()
	m.log.Info("client bound", "session", short(conversationID))
	return c, nil
}

func (m *Manager) connect(ctx context.Context, conversationID string) (agent.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	opts := m.cfg.Connect
	opts.Resume = conversationID
	if m.prompter != nil {
		opts.SystemPrompt = m.prompter.SystemPrompt(cctx, opts.SystemPrompt)
	}
	conn, err := m.runtime.Connect(cctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect agent: %w", err)
	}
	if m.orient != nil {
		m.orient.MarkSessionStart(ctx)
	}
	return conn, nil
}

// Submit queues content as a new turn of conversationID ("" starts a new
// conversation). Output arrives through the Publisher.
func (m *Manager) Submit(ctx context.Context, conversationID string, content []event.ContentPart) (*Turn, error) {
	if len(content) == 0 {
		return nil, event.ErrEmptyContent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.acquireLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	t := newTurn(uuid.NewString(), conversationID, content)
	if err := c.enqueue(t); err != nil {
		return nil, err
	}
	m.log.Debug("turn queued", "turn", t.ID, "session", short(conversationID), "queued", t.Queued)
	return t, nil
}

// Interrupt asks the running turn of conversationID to stop. An empty id
// means whatever turn is running. It reports whether a turn was running.
func (m *Manager) Interrupt(conversationID string) bool {
	c := m.client.Load()
	if c == nil {
		return false
	}
	if conversationID != "" && c.ID() != conversationID {
		return false
	}
	return c.interrupt()
}

// Current reports the bound conversation and whether its connection is
// alive.
func (m *Manager) Current() (string, bool) {
	c := m.client.Load()
	if c == nil {
		return "", false
	}
	return c.ID(), c.Alive()
}

// LastUsage returns the context size of the latest turn of conversationID.
func (m *Manager) LastUsage(conversationID string) (Usage, bool) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	u, ok := m.usage[conversationID]
	return u, ok
}

func (m *Manager) recordUsage(conversationID string, count int) {
	if conversationID == "" || count <= 0 {
		return
	}
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	m.usage[conversationID] = Usage{Count: count, At: time.Now()}
}

// Close tears down the client. Queued turns are abandoned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	c := m.client.Swap(nil)
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.teardown("server shutting down")
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) archiveTurn(t *Turn, sessionID string, contextTokens int) {
	if m.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := m.archive.ArchiveTurn(ctx, t.record(sessionID, contextTokens)); err != nil {
		m.log.Warn("turn not archived", "turn", t.ID, "error", err)
	}
}

func short(id string) string {
	if id == "" {
		return "(new)"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
