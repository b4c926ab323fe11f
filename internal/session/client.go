package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/turn"
)

// Client is the live agent connection bound to one conversation. A single
// worker goroutine runs its turns in submission order.
type Client struct {
	m   *Manager
	log *slog.Logger

	mu      sync.Mutex
	conn    agent.Conn
	id      string
	dead    bool
	closed  bool
	queue   []*Turn
	current *Turn

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newClient(m *Manager, conn agent.Conn, id string) *Client {
	return &Client{
		m:    m,
		log:  m.log,
		conn: conn,
		id:   id,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// ID is the bound conversation id, "" until the runtime assigns one.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.dead && c.conn.Alive()
}

// Busy reports whether a turn is running or waiting.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil || len(c.queue) > 0
}

// Pending is the number of turns waiting behind the running one.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) enqueue(t *Turn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.queue) >= c.m.cfg.MaxQueued {
		c.mu.Unlock()
		return ErrQueueFull
	}
	t.Queued = c.current != nil || len(c.queue) > 0
	c.queue = append(c.queue, t)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for {
		t, tr := c.next()
		if t == nil {
			return
		}
		c.runTurn(t, tr)
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}
}

// next pops the next turn, waiting for one. It returns nil once the client
// is stopped.
func (c *Client) next() (*Turn, *turn.Translator) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil
		}
		if len(c.queue) > 0 {
			t := c.queue[0]
			c.queue = c.queue[1:]
			c.current = t
			tr := turn.New(turn.Options{
				SessionID:  c.id,
				Compaction: c.m.compaction,
				Logger:     c.log.With("turn", t.ID),
			})
			c.mu.Unlock()
			return t, tr
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.stop:
			return nil, nil
		}
	}
}

func (c *Client) topic() string {
	return c.ID()
}

func (c *Client) emit(t *Turn, topic string, ev event.Event) {
	if !t.append(ev) {
		return
	}
	if c.m.pub != nil {
		c.m.pub.Publish(topic, ev)
	}
}

func (c *Client) runTurn(t *Turn, tr *turn.Translator) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.start(tr, cancel)

	topic := c.topic()
	c.emit(t, topic, event.TurnStart{TurnID: t.ID})

	var evs []event.Event
	if err := c.ensureConn(ctx); err != nil {
		evs = tr.Finish(err)
	} else if t.interruptRequested() {
		evs = tr.Finish(nil)
	}
	for _, ev := range evs {
		c.emit(t, topic, ev)
	}

	if !tr.Sealed() {
		content := t.Content
		if c.m.orient != nil {
			content = append(append([]event.ContentPart(nil), content...), c.m.orient.Build(ctx, c.ID()))
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		stream, err := conn.Query(ctx, content)
		if err != nil {
			for _, ev := range tr.Finish(fmt.Errorf("query agent: %w", err)) {
				c.emit(t, topic, ev)
			}
		} else {
			for ev := range tr.Events(ctx, stream) {
				c.emit(t, topic, ev)
			}
			stream.Close()
		}
	}

	sid := tr.SessionID()
	c.log.Info("turn sealed", "turn", t.ID, "status", tr.Status(), "session", short(sid))
	if sid != "" {
		c.mu.Lock()
		old := c.id
		c.id = sid
		c.mu.Unlock()
		if old != sid && c.m.pub != nil {
			c.m.pub.Rename(old, sid)
		}
	}
	c.m.recordUsage(sid, tr.ContextTokens())
	c.m.archiveTurn(t, sid, tr.ContextTokens())
}

// ensureConn reconnects, resuming the bound conversation, if the runtime
// died since the last turn.
func (c *Client) ensureConn(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.dead && c.conn.Alive() {
		c.mu.Unlock()
		return nil
	}
	old := c.conn
	id := c.id
	c.mu.Unlock()

	old.Close()
	c.log.Info("reconnecting agent", "session", short(id))
	conn, err := c.m.connect(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.dead = false
	c.mu.Unlock()
	return nil
}

func (c *Client) interrupt() bool {
	c.mu.Lock()
	t := c.current
	conn := c.conn
	c.mu.Unlock()
	if t == nil {
		return false
	}
	if !t.requestInterrupt() {
		return !t.sealed()
	}

	grace := c.m.cfg.InterruptGrace
	c.log.Info("interrupting turn", "turn", t.ID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := conn.Interrupt(ctx); err != nil {
			c.log.Warn("agent interrupt failed", "turn", t.ID, "error", err)
		}
	}()
	time.AfterFunc(grace, func() {
		if t.sealed() {
			return
		}
		c.log.Warn("interrupt grace expired, abandoning turn", "turn", t.ID)
		c.markDead()
		t.abort()
	})
	return true
}

// markDead closes the connection so the next turn reconnects.
func (c *Client) markDead() {
	c.mu.Lock()
	c.dead = true
	conn := c.conn
	c.mu.Unlock()
	go conn.Close()
}

// teardown stops the worker. The running turn is interrupted and waiting
// turns are sealed with reason once it has ended.
func (c *Client) teardown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	abandoned := c.queue
	c.queue = nil
	cur := c.current
	conn := c.conn
	c.mu.Unlock()
	close(c.stop)

	if cur != nil {
		cur.requestInterrupt()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := conn.Interrupt(ctx); err != nil {
			c.log.Debug("interrupt on teardown failed", "error", err)
		}
		cancel()
		cur.abort()
	}
	if err := conn.Close(); err != nil {
		c.log.Debug("closing agent connection", "error", err)
	}

	select {
	case <-c.done:
	case <-time.After(teardownTimeout):
		c.log.Warn("client worker did not stop")
	}

	topic := c.topic()
	for _, t := range abandoned {
		c.emit(t, topic, event.TurnStart{TurnID: t.ID})
		c.emit(t, topic, event.Error{Message: reason})
		c.emit(t, topic, event.TurnEnd{Status: event.StatusInterrupted})
	}
}
