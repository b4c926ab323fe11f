package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/kv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err, "open test store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestArchiveAndListTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, text := range []string{"first", "second", "third"} {
		r := &TurnRecord{
			ID:            "turn-" + text,
			SessionID:     "sess-1",
			Status:        event.StatusComplete,
			UserText:      text,
			AssistantText: "re: " + text,
			ContextTokens: 1000 * (i + 1),
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
			EndedAt:       base.Add(time.Duration(i)*time.Minute + time.Second),
			Events: []event.Event{
				event.TurnStart{TurnID: "turn-" + text},
				event.TextDelta{Text: "re: " + text},
				event.TurnEnd{Status: event.StatusComplete},
			},
		}
		require.NoError(t, s.ArchiveTurn(ctx, r))
	}
	require.NoError(t, s.ArchiveTurn(ctx, &TurnRecord{
		ID: "other", SessionID: "sess-2", Status: event.StatusErrored, StartedAt: base, EndedAt: base,
	}))

	turns, err := s.ListTurns(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "first", turns[0].UserText)
	assert.Equal(t, "third", turns[2].UserText)

	latest, err := s.ListTurns(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "second", latest[0].UserText)

	got, err := s.GetTurn(ctx, "turn-second")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, event.StatusComplete, got.Status)
	assert.Equal(t, []event.Event{
		event.TurnStart{TurnID: "turn-second"},
		event.TextDelta{Text: "re: second"},
		event.TurnEnd{Status: event.StatusComplete},
	}, got.Events)

	missing, err := s.GetTurn(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, _, ok := s.LastContextTokens(ctx, "sess-1")
	assert.True(t, ok)
	assert.Equal(t, 3000, n)
	_, _, ok = s.LastContextTokens(ctx, "sess-2")
	assert.False(t, ok)
}

func TestArchiveTurnReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r := &TurnRecord{ID: "t1", SessionID: "", Status: event.StatusRunning, StartedAt: now, EndedAt: now,
		Events: []event.Event{event.TurnStart{TurnID: "t1"}}}
	require.NoError(t, s.ArchiveTurn(ctx, r))

	r.SessionID = "sess-9"
	r.Status = event.StatusComplete
	r.Events = append(r.Events, event.TurnEnd{Status: event.StatusComplete})
	require.NoError(t, s.ArchiveTurn(ctx, r))

	got, err := s.GetTurn(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Len(t, got.Events, 2)
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := s.KV()
	now := time.Now()
	k.now = func() time.Time { return now }

	_, err := k.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNil)

	require.NoError(t, k.Set(ctx, "a", "1", 0))
	require.NoError(t, k.Set(ctx, "a", "2", 0))
	v, err := k.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	v, err = k.GetDel(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	_, err = k.GetDel(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrNil)

	require.NoError(t, k.Set(ctx, "ttl", "x", time.Minute))
	now = now.Add(2 * time.Minute)
	_, err = k.Get(ctx, "ttl")
	assert.ErrorIs(t, err, kv.ErrNil)
	purged, err := k.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	var _ kv.Store = k
}
