// Package orient builds the context text injected ahead of each user turn.
package orient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/duckpond/internal/compaction"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/kv"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

// SessionStartTTL bounds how long a session-start flag waits for its turn.
const SessionStartTTL = 60 * time.Second

type Builder struct {
	store      kv.Store
	compaction *compaction.Watcher
	hostname   string
	loc        *time.Location
	now        func() time.Time
	log        *slog.Logger

	machineOnce sync.Once
	machine     *Machine
}

type Options struct {
	Store      kv.Store
	Compaction *compaction.Watcher
	Hostname   string
	Location   *time.Location
	Now        func() time.Time
	// Machine replaces the machine facts detected on first use.
	Machine *Machine
}

func New(opts Options) *Builder {
	b := &Builder{
		store:      opts.Store,
		compaction: opts.Compaction,
		hostname:   opts.Hostname,
		loc:        opts.Location,
		now:        opts.Now,
		log:        logger.With("orient"),
		machine:    opts.Machine,
	}
	if b.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			b.hostname = h
		}
	}
	if b.loc == nil {
		b.loc = time.Local
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// MarkSessionStart flags the next turn as the first of a fresh runtime
// session.
func (b *Builder) MarkSessionStart(ctx context.Context) {
	if err := b.store.Set(ctx, kv.SessionStartKey, "1", SessionStartTTL); err != nil {
		b.log.Warn("session start flag not set", "error", err)
	}
}

func (b *Builder) sessionStarted(ctx context.Context) bool {
	_, err := b.store.GetDel(ctx, kv.SessionStartKey)
	if err == nil {
		return true
	}
	if !errors.Is(err, kv.ErrNil) {
		b.log.Warn("session start flag lookup failed", "error", err)
	}
	return false
}

// Build returns the text part to append to a turn for sessionID ("" for a
// conversation the runtime has not named yet). It consumes the session-start
// flag and any compaction marker.
func (b *Builder) Build(ctx context.Context, sessionID string) event.ContentPart {
	var lines []string
	if sessionID != "" {
		lines = append(lines, fmt.Sprintf("<duckpond-session>%s</duckpond-session>", sessionID))
	}

	now := b.now().In(b.loc)
	if b.sessionStarted(ctx) {
		lines = append(lines, fmt.Sprintf("<duckpond-context>Host: %s. Date: %s. Time: %s.</duckpond-context>",
			b.hostname, now.Format("Monday, January 2, 2006"), now.Format("3:04 PM")))
	} else {
		lines = append(lines, fmt.Sprintf("<duckpond-context>Time: %s.</duckpond-context>", now.Format("3:04 PM")))
	}

	if b.compaction != nil {
		if m, ok := b.compaction.Consume(ctx, sessionID); ok {
			b.log.Info("re-orienting after compaction", "session", sessionID)
			lines = append(lines, compaction.Reorientation(m))
		}
	}
	return event.TextPart(strings.Join(lines, "\n"))
}

// Clock describes the current moment for the context endpoint.
type Clock struct {
	Hostname string `json:"hostname"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Datetime string `json:"datetime"`
}

func (b *Builder) Clock() Clock {
	now := b.now().In(b.loc)
	return Clock{
		Hostname: b.hostname,
		Date:     now.Format("Mon Jan 2 2006"),
		Time:     now.Format("3:04 PM"),
		Datetime: now.Format("Mon Jan 2 2006, 3:04 PM"),
	}
}
