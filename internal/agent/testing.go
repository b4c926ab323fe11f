package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/duckpond/internal/event"
)

// NewTestStream creates a Stream pre-loaded with msgs that ends with err,
// for testing.
func NewTestStream(err error, msgs ...Message) *Stream {
	s := &Stream{
		ch:   make(chan Message, len(msgs)),
		gone: make(chan struct{}),
	}
	for _, m := range msgs {
		s.ch <- m
	}
	s.finish(err)
	return s
}

// TextReply is the message sequence of a plain text answer with partial
// messages enabled.
func TextReply(sessionID, messageID, text string, contextTokens int) []Message {
	var usage *Usage
	if contextTokens > 0 {
		usage = &Usage{InputTokens: contextTokens}
	}
	return []Message{
		SystemMessage{Subtype: SystemInit, SessionID: sessionID},
		StreamEvent{SessionID: sessionID, Kind: StreamMessageStart, MessageID: messageID, Usage: usage},
		StreamEvent{SessionID: sessionID, Kind: StreamTextDelta, Text: text},
		AssistantMessage{ID: messageID, SessionID: sessionID, Blocks: []Block{TextBlock{Text: text}}},
		ResultMessage{Subtype: "success", SessionID: sessionID, Result: text, Usage: Usage{InputTokens: contextTokens}},
	}
}

// FakeRuntime is an in-process Runtime for tests. With Reply set every query
// is answered at once; otherwise queries are handed out by WaitQuery and
// driven by the test.
type FakeRuntime struct {
	Reply          func(conn *FakeConn, content []event.ContentPart) []Message
	HonorInterrupt bool

	mu         sync.Mutex
	connectErr error
	conns      []*FakeConn
	queries    chan *FakeQuery
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{queries: make(chan *FakeQuery, 32)}
}

// FailConnect makes the next connects fail with err until reset with nil.
func (r *FakeRuntime) FailConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

func (r *FakeRuntime) Connect(ctx context.Context, opts ConnectOpts) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	c := &FakeConn{Opts: opts, rt: r, sessionID: opts.Resume}
	r.conns = append(r.conns, c)
	return c, nil
}

func (r *FakeRuntime) Health() error { return nil }

// Conns returns every connection made so far.
func (r *FakeRuntime) Conns() []*FakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeConn(nil), r.conns...)
}

// Live counts connections that have not been closed.
func (r *FakeRuntime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// WaitQuery returns the next query issued against any connection.
func (r *FakeRuntime) WaitQuery(timeout time.Duration) (*FakeQuery, error) {
	select {
	case q := <-r.queries:
		return q, nil
	case <-time.After(timeout):
		return nil, errors.New("no query issued")
	}
}

type FakeConn struct {
	Opts ConnectOpts
	rt   *FakeRuntime

	mu         sync.Mutex
	sessionID  string
	current    *FakeQuery
	closed     bool
	dead       bool
	interrupts int
	queried    [][]event.ContentPart
}

// FakeQuery is one in-flight query on a FakeConn.
type FakeQuery struct {
	Content []event.ContentPart
	conn    *FakeConn
	stream  *Stream
}

func (c *FakeConn) Query(ctx context.Context, content []event.ContentPart) (*Stream, error) {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	q := &FakeQuery{Content: content, conn: c, stream: newStream()}
	c.current = q
	c.queried = append(c.queried, content)
	c.mu.Unlock()

	if c.rt.Reply != nil {
		go func() {
			msgs := c.rt.Reply(c, content)
			q.Send(msgs...)
			q.end(nil)
		}()
		return q.stream, nil
	}
	c.rt.queries <- q
	return q.stream, nil
}

func (c *FakeConn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return ErrClosed
	}
	c.interrupts++
	q := c.current
	c.mu.Unlock()

	if q != nil && c.rt.HonorInterrupt {
		go q.Result(ResultMessage{Subtype: "error_during_execution", SessionID: c.SessionID(), IsError: true})
	}
	return nil
}

func (c *FakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.dead
}

func (c *FakeConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	q := c.current
	c.current = nil
	c.mu.Unlock()
	if q != nil {
		q.stream.finish(ErrClosed)
	}
	return nil
}

// Interrupts reports how many interrupts the connection received.
func (c *FakeConn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Queried returns the content of every query sent on the connection.
func (c *FakeConn) Queried() [][]event.ContentPart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]event.ContentPart(nil), c.queried...)
}

func (c *FakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn is the connection the query was issued on.
func (q *FakeQuery) Conn() *FakeConn { return q.conn }

// Send delivers messages to the query's stream, tracking session ids like
// the real runtime does.
func (q *FakeQuery) Send(msgs ...Message) {
	for _, m := range msgs {
		switch v := m.(type) {
		case SystemMessage:
			q.conn.setSession(v.SessionID)
		case ResultMessage:
			q.conn.setSession(v.SessionID)
		}
		if !q.stream.send(m) {
			return
		}
		if _, ok := m.(ResultMessage); ok {
			q.end(nil)
			return
		}
	}
}

// Result sends the final message and ends the query.
func (q *FakeQuery) Result(r ResultMessage) {
	q.Send(r)
	q.end(nil)
}

// Fail ends the query without a result and kills the connection.
func (q *FakeQuery) Fail(err error) {
	q.conn.mu.Lock()
	q.conn.dead = true
	q.conn.mu.Unlock()
	q.end(err)
}

func (q *FakeQuery) end(err error) {
	q.conn.mu.Lock()
	if q.conn.current == q {
		q.conn.current = nil
	}
	q.conn.mu.Unlock()
	q.stream.finish(err)
}

func (c *FakeConn) setSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}
