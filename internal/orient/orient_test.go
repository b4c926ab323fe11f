package orient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ehrlich-b/duckpond/internal/compaction"
	"github.com/ehrlich-b/duckpond/internal/kv"
)

func newBuilder(store kv.Store, w *compaction.Watcher) *Builder {
	now := time.Date(2025, 6, 9, 14, 30, 0, 0, time.UTC)
	return New(Options{
		Store:      store,
		Compaction: w,
		Hostname:   "pondside",
		Location:   time.UTC,
		Now:        func() time.Time { return now },
	})
}

func TestBuildSessionStart(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(kv.NewMemory(), nil)

	b.MarkSessionStart(ctx)
	part := b.Build(ctx, "sess-1")
	assert.Equal(t, "text", part.Type)
	assert.Contains(t, part.Text, "<duckpond-session>sess-1</duckpond-session>")
	assert.Contains(t, part.Text, "Host: pondside")
	assert.Contains(t, part.Text, "Monday, June 9, 2025")

	// the flag is consumed by the first turn
	part = b.Build(ctx, "sess-1")
	assert.NotContains(t, part.Text, "Host:")
	assert.Contains(t, part.Text, "Time: 2:30 PM")
}

func TestBuildWithoutSession(t *testing.T) {
	b := newBuilder(kv.NewMemory(), nil)
	part := b.Build(context.Background(), "")
	assert.NotContains(t, part.Text, "duckpond-session")
}

func TestBuildConsumesCompactionMarker(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	w := compaction.NewWatcher(store, 0)
	b := newBuilder(store, w)

	w.Record("sess-1", "auto", 120000)
	w.Flush()

	part := b.Build(ctx, "sess-1")
	assert.Contains(t, part.Text, "compaction-notice")

	part = b.Build(ctx, "sess-1")
	assert.NotContains(t, part.Text, "compaction-notice")
}

func TestClock(t *testing.T) {
	b := newBuilder(kv.NewMemory(), nil)
	c := b.Clock()
	assert.Equal(t, "pondside", c.Hostname)
	assert.Equal(t, "2:30 PM", c.Time)
	assert.Equal(t, "Mon Jun 9 2025, 2:30 PM", c.Datetime)
	assert.Equal(t, "Mon Jun 9 2025", c.Date)
}
