package agent

import (
	"context"
	"sync"
)

// Stream is the raw output of one query. It ends after the ResultMessage,
// or early if the runtime dies.
type Stream struct {
	ch   chan Message
	gone chan struct{}

	// sendMu orders send against finish so nothing is sent on a closed
	// channel.
	sendMu sync.Mutex
	closed bool

	mu     sync.Mutex
	err    error
	result *ResultMessage
	once   sync.Once
}

func newStream() *Stream {
	return &Stream{
		ch:   make(chan Message, 256),
		gone: make(chan struct{}),
	}
}

// send delivers m unless the consumer has abandoned the stream.
func (s *Stream) send(m Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	case <-s.gone:
		return false
	}
}

func (s *Stream) finish(err error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.mu.Lock()
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.ch)
}

// Next returns the next message. It returns false when the stream is over
// or ctx is done; Err reports which.
func (s *Stream) Next(ctx context.Context) (Message, bool) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return nil, false
		}
		if r, isResult := m.(ResultMessage); isResult {
			s.mu.Lock()
			s.result = &r
			s.mu.Unlock()
		}
		return m, true
	case <-ctx.Done():
		s.mu.Lock()
		if s.err == nil {
			s.err = ctx.Err()
		}
		s.mu.Unlock()
		return nil, false
	}
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result returns the ResultMessage if one was read.
func (s *Stream) Result() (ResultMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return ResultMessage{}, false
	}
	return *s.result, true
}

// Close abandons the stream. Messages still in flight are discarded.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.gone) })
}
