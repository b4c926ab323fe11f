// Package compaction remembers that the runtime compacted a conversation's
// context so the next turn can be re-oriented.
package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/duckpond/internal/kv"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

const (
	DefaultTTL   = time.Hour
	writeTimeout = 5 * time.Second
)

// Marker records one compaction of a conversation.
type Marker struct {
	Trigger   string    `json:"trigger"`
	PreTokens int       `json:"pre_tokens"`
	Timestamp time.Time `json:"timestamp"`
}

type Watcher struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string][]chan struct{}
}

func NewWatcher(store kv.Store, ttl time.Duration) *Watcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Watcher{
		store: store,
		ttl:   ttl,
		now:     time.Now,
		log:     logger.With("compaction"),
		pending: make(map[string][]chan struct{}),
	}
}

// Record stores a marker for sessionID. It returns immediately; the write
// happens in the background and failures are only logged. A Consume for the
// same session waits for the write to land.
func (w *Watcher) Record(sessionID, trigger string, preTokens int) {
	m := Marker{Trigger: trigger, PreTokens: preTokens, Timestamp: w.now().UTC()}
	done := make(chan struct{})
	w.mu.Lock()
	w.pending[sessionID] = append(w.pending[sessionID], done)
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.settle(sessionID, done)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := w.write(ctx, sessionID, m); err != nil {
			w.log.Warn("compaction marker not saved", "session", sessionID, "error", err)
			return
		}
		w.log.Debug("compaction marker saved", "session", sessionID, "trigger", trigger)
	}()
}

func (w *Watcher) write(ctx context.Context, sessionID string, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return w.store.Set(ctx, kv.CompactionKey(sessionID), string(data), w.ttl)
}

func (w *Watcher) settle(sessionID string, done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(done)
	chans := w.pending[sessionID]
	for i, ch := range chans {
		if ch == done {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(w.pending, sessionID)
	} else {
		w.pending[sessionID] = chans
	}
}

// awaitWrites blocks until the writes Recorded for sessionID so far have
// finished. Each write is bounded by writeTimeout.
func (w *Watcher) awaitWrites(ctx context.Context, sessionID string) {
	w.mu.Lock()
	chans := append([]chan struct{}(nil), w.pending[sessionID]...)
	w.mu.Unlock()
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// Flush waits for pending Record writes.
func (w *Watcher) Flush() {
	w.wg.Wait()
}

// Consume returns and deletes the marker for sessionID. Absent, expired and
// unreadable markers all read as none.
func (w *Watcher) Consume(ctx context.Context, sessionID string) (*Marker, bool) {
	if sessionID == "" {
		return nil, false
	}
	w.awaitWrites(ctx, sessionID)
	raw, err := w.store.GetDel(ctx, kv.CompactionKey(sessionID))
	if err != nil {
		if !errors.Is(err, kv.ErrNil) {
			w.log.Warn("compaction marker lookup failed", "session", sessionID, "error", err)
		}
		return nil, false
	}
	var m Marker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		w.log.Warn("bad compaction marker", "session", sessionID, "error", err)
		return nil, false
	}
	return &m, true
}

// Reorientation is the note prepended to the first turn after compaction.
func Reorientation(m *Marker) string {
	if m == nil {
		return ""
	}
	when := m.Timestamp.Local().Format("Mon Jan 2 15:04")
	return fmt.Sprintf(`<compaction-notice>
Your context was compacted at %s (%s, %d tokens before). Earlier turns of this
conversation are now a summary. Re-read anything you need before relying on
details from before that point.
</compaction-notice>`, when, m.Trigger, m.PreTokens)
}
