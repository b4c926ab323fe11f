package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/compaction"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/history"
	"github.com/ehrlich-b/duckpond/internal/kv"
	"github.com/ehrlich-b/duckpond/internal/orient"
	"github.com/ehrlich-b/duckpond/internal/session"
	"github.com/ehrlich-b/duckpond/internal/store"
	"github.com/ehrlich-b/duckpond/internal/stream"
)

const waitFor = 5 * time.Second

type harness struct {
	rt      *agent.FakeRuntime
	hub     *stream.Hub
	kv      *kv.Memory
	store   *store.Store
	manager *session.Manager
	dir     string
	http    *httptest.Server
	client  *Client
}

func setup(t *testing.T, rt *agent.FakeRuntime, opts Options, cfg session.Config) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	mem := kv.NewMemory()
	hub := stream.NewHub()
	watcher := compaction.NewWatcher(mem, compaction.DefaultTTL)
	builder := orient.New(orient.Options{Store: mem, Compaction: watcher, Hostname: "pondside"})
	m := session.NewManager(cfg, session.Deps{
		Runtime:    rt,
		Publisher:  hub,
		Orienter:   builder,
		Compaction: watcher,
		Archiver:   st,
	})
	dir := t.TempDir()
	srv := NewServer(opts, Deps{
		Manager: m,
		Hub:     hub,
		History: history.NewReader(dir, nil),
		Store:   st,
		KV:      mem,
		Orient:  builder,
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		m.Close(ctx)
		ts.Close()
		watcher.Flush()
		st.Close()
	})
	return &harness{rt: rt, hub: hub, kv: mem, store: st, manager: m, dir: dir, http: ts, client: NewClient(ts.URL)}
}

func replyWith(sessionID, text string, tokens int) *agent.FakeRuntime {
	rt := agent.NewFakeRuntime()
	rt.Reply = func(*agent.FakeConn, []event.ContentPart) []agent.Message {
		return agent.TextReply(sessionID, "msg_1", text, tokens)
	}
	return rt
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// tail collects frames of one turn, starting the subscription before
// submit runs.
func tail(t *testing.T, h *harness, sessionID string, submit func()) []stream.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	frames := make(chan stream.Frame, 64)
	done := make(chan error, 1)
	go func() {
		done <- h.client.Tail(ctx, sessionID, func(f stream.Frame) bool {
			frames <- f
			_, end := f.Event.(event.TurnEnd)
			return !end
		})
	}()
	require.Eventually(t, func() bool { return h.hub.Readers(sessionID) == 1 }, waitFor, 5*time.Millisecond)
	submit()

	require.NoError(t, <-done)
	close(frames)
	var out []stream.Frame
	for f := range frames {
		out = append(out, f)
	}
	return out
}

func TestChatEndToEnd(t *testing.T) {
	h := setup(t, replyWith("sess-1", "hello there", 1234), Options{}, session.Config{})
	ctx := context.Background()

	var resp *ChatResponse
	frames := tail(t, h, "", func() {
		var err error
		resp, err = h.client.Submit(ctx, "", []event.ContentPart{event.TextPart("hi")})
		require.NoError(t, err)
	})
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.TurnID)
	assert.False(t, resp.Queued)

	require.NotEmpty(t, frames)
	assert.IsType(t, event.TurnStart{}, frames[0].Event)
	assert.Equal(t, event.TurnEnd{Status: event.StatusComplete}, frames[len(frames)-1].Event)
	assert.Contains(t, eventsOf(frames), event.Event(event.TextDelta{Text: "hello there"}))
	assert.Contains(t, eventsOf(frames), event.Event(event.SessionID{SessionID: "sess-1"}))
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].ID, frames[i-1].ID)
	}

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/api/context/sess-1", nil)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var u ContextUsage
		if decodeJSON(r, &u) != nil || u.InputTokens == nil {
			return false
		}
		return *u.InputTokens == 1234
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		turns, err := h.store.ListTurns(ctx, "sess-1", 10)
		return err == nil && len(turns) == 1
	}, waitFor, 10*time.Millisecond)

	health, err := h.client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Connected)
	assert.Equal(t, "sess-1", health.Session)
}

func TestChatRejectsBadBodies(t *testing.T) {
	h := setup(t, replyWith("s", "x", 1), Options{}, session.Config{})
	for name, body := range map[string]string{
		"not json":     `{`,
		"empty string": `{"content":"  "}`,
		"no content":   `{"sessionId":null}`,
		"bad part":     `{"content":[{"type":"video"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, h.http.URL+"/api/chat", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, h.rt.Conns(), "no client for rejected bodies")
}

func TestChatQueueFull(t *testing.T) {
	rt := agent.NewFakeRuntime()
	h := setup(t, rt, Options{}, session.Config{MaxQueued: 1})
	ctx := context.Background()

	_, err := h.client.Submit(ctx, "sess-1", []event.ContentPart{event.TextPart("one")})
	require.NoError(t, err)
	_, err = rt.WaitQuery(waitFor)
	require.NoError(t, err)

	second, err := h.client.Submit(ctx, "sess-1", []event.ContentPart{event.TextPart("two")})
	require.NoError(t, err)
	assert.True(t, second.Queued)

	_, err = h.client.Submit(ctx, "sess-1", []event.ContentPart{event.TextPart("three")})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestChatConnectFailure(t *testing.T) {
	rt := agent.NewFakeRuntime()
	rt.FailConnect(errors.New("claude not installed"))
	h := setup(t, rt, Options{}, session.Config{})

	_, err := h.client.Submit(context.Background(), "", []event.ContentPart{event.TextPart("hi")})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Contains(t, se.Message, "claude not installed")

	health, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Connected)
}

func TestChatRateLimited(t *testing.T) {
	h := setup(t, replyWith("s", "x", 1), Options{RatePerSecond: 0.001, RateBurst: 1}, session.Config{})
	resp := post(t, h.http.URL+"/api/chat", `{"content":"first"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = post(t, h.http.URL+"/api/chat", `{"content":"second"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestInterrupt(t *testing.T) {
	rt := agent.NewFakeRuntime()
	rt.HonorInterrupt = true
	h := setup(t, rt, Options{}, session.Config{})
	ctx := context.Background()

	status, err := h.client.Interrupt(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "idle", status)

	frames := tail(t, h, "sess-1", func() {
		_, err := h.client.Submit(ctx, "sess-1", []event.ContentPart{event.TextPart("long job")})
		require.NoError(t, err)
		_, err = rt.WaitQuery(waitFor)
		require.NoError(t, err)
		status, err := h.client.Interrupt(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "interrupted", status)
	})
	assert.Equal(t, event.TurnEnd{Status: event.StatusInterrupted}, frames[len(frames)-1].Event)
}

func TestSessionsEndpoints(t *testing.T) {
	h := setup(t, replyWith("s", "x", 1), Options{}, session.Config{})
	body := `{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"what is the pond"}}
{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"A pond."}]}}
`
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "abc123.jsonl"), []byte(body), 0o644))
	ctx := context.Background()

	list, err := h.client.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "what is the pond", list[0].Title)

	sess, err := h.client.Session(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "A pond.", sess.Messages[1].Content[0].Text)

	_, err = h.client.Session(ctx, "nope")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	resp, err := http.Get(h.http.URL + "/api/sessions?limit=500")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionETag(t *testing.T) {
	h := setup(t, replyWith("s", "x", 1), Options{}, session.Config{})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "abc.jsonl"),
		[]byte(`{"type":"user","message":{"content":"hi"}}`+"\n"), 0o644))

	resp, err := http.Get(h.http.URL + "/api/sessions/abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/api/sessions/abc", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestContextEndpoints(t *testing.T) {
	h := setup(t, replyWith("s", "x", 1), Options{}, session.Config{})
	ctx := context.Background()

	resp, err := http.Get(h.http.URL + "/api/context")
	require.NoError(t, err)
	var clock orient.Clock
	require.NoError(t, decodeJSON(resp, &clock))
	resp.Body.Close()
	assert.Equal(t, "pondside", clock.Hostname)
	assert.NotEmpty(t, clock.Time)

	resp, err = http.Get(h.http.URL + "/api/context/unknown")
	require.NoError(t, err)
	var u ContextUsage
	require.NoError(t, decodeJSON(resp, &u))
	resp.Body.Close()
	assert.Nil(t, u.InputTokens)
	assert.Nil(t, u.Timestamp)

	require.NoError(t, h.kv.Set(ctx, kv.ContextKey("proxied"), `{"input_tokens":4242,"timestamp":"2026-01-01T00:00:00Z"}`, time.Hour))
	resp, err = http.Get(h.http.URL + "/api/context/proxied")
	require.NoError(t, err)
	require.NoError(t, decodeJSON(resp, &u))
	resp.Body.Close()
	require.NotNil(t, u.InputTokens)
	assert.Equal(t, 4242, *u.InputTokens)
}

func TestTurnsEndpoint(t *testing.T) {
	h := setup(t, replyWith("sess-9", "archived answer", 10), Options{}, session.Config{})
	ctx := context.Background()

	tail(t, h, "sess-9", func() {
		_, err := h.client.Submit(ctx, "sess-9", []event.ContentPart{event.TextPart("question")})
		require.NoError(t, err)
	})

	var turns []TurnResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.http.URL + "/api/sessions/sess-9/turns")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return decodeJSON(resp, &turns) == nil && len(turns) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "question", turns[0].UserText)
	assert.Equal(t, "archived answer", turns[0].AssistantText)
	assert.Equal(t, event.StatusComplete, turns[0].Status)
	require.NotEmpty(t, turns[0].Events)
	assert.Equal(t, event.TypeTurnStart, turns[0].Events[0].Type)
}

func TestListenAndServeUnixSocket(t *testing.T) {
	rt := replyWith("s", "x", 1)
	mem := kv.NewMemory()
	hub := stream.NewHub()
	m := session.NewManager(session.Config{}, session.Deps{Runtime: rt, Publisher: hub, Orienter: orient.New(orient.Options{Store: mem})})
	defer m.Close(context.Background())

	sock := filepath.Join(t.TempDir(), "dp.sock")
	srv := NewServer(Options{SocketPath: sock}, Deps{
		Manager: m,
		Hub:     hub,
		History: history.NewReader(t.TempDir(), nil),
		KV:      mem,
		Orient:  orient.New(orient.Options{Store: mem}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	client := NewClient("unix://" + sock)
	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not shut down")
	}
	_, err := os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 800*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffJitter(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.Jitter = 0.5
	b.rand = func() float64 { return 1 }
	assert.Equal(t, 50*time.Millisecond, b.Next())
	b.rand = func() float64 { return 0 }
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 2, b.Attempts())

	b = NewBackoff(time.Millisecond, time.Hour)
	for i := 0; i < 70; i++ {
		d := b.Next()
		require.Positive(t, d, "attempt %d", i)
		require.LessOrEqual(t, d, time.Hour)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)

	b = NewBackoff(time.Millisecond, time.Millisecond)
	assert.NoError(t, b.Wait(context.Background()))
}

// restartingStream serves one scripted SSE response per connection, each
// under its own epoch, then closes the body.
type restartingStream struct {
	conns  [][]stream.Frame
	epochs []string

	mu sync.Mutex
	n  int
}

func (s *restartingStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.n >= len(s.conns) {
		s.mu.Unlock()
		<-r.Context().Done()
		return
	}
	frames, epoch := s.conns[s.n], s.epochs[s.n]
	s.n++
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(stream.EpochHeader, epoch)
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		stream.WriteFrame(w, f)
	}
}

func tailAll(t *testing.T, h http.Handler) []event.Event {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var got []event.Event
	err := NewClient(srv.URL).Tail(ctx, "sess-1", func(f stream.Frame) bool {
		got = append(got, f.Event)
		_, end := f.Event.(event.TurnEnd)
		return !end
	})
	require.NoError(t, err)
	return got
}

func TestTailSkipsReplayWithinEpoch(t *testing.T) {
	got := tailAll(t, &restartingStream{
		epochs: []string{"e1", "e1"},
		conns: [][]stream.Frame{
			{{ID: 1, Event: event.TurnStart{TurnID: "t1"}}, {ID: 2, Event: event.TextDelta{Text: "a"}}},
			{{ID: 1, Event: event.TurnStart{TurnID: "t1"}}, {ID: 2, Event: event.TextDelta{Text: "a"}},
				{ID: 3, Event: event.TextDelta{Text: "b"}}, {ID: 4, Event: event.TurnEnd{Status: event.StatusComplete}}},
		},
	})
	assert.Equal(t, []event.Event{
		event.TurnStart{TurnID: "t1"},
		event.TextDelta{Text: "a"},
		event.TextDelta{Text: "b"},
		event.TurnEnd{Status: event.StatusComplete},
	}, got)
}

func TestTailResetsCursorOnServerRestart(t *testing.T) {
	got := tailAll(t, &restartingStream{
		epochs: []string{"before", "after"},
		conns: [][]stream.Frame{
			{{ID: 1, Event: event.TurnStart{TurnID: "t1"}}, {ID: 2, Event: event.TextDelta{Text: "a"}},
				{ID: 3, Event: event.TextDelta{Text: "b"}}},
			{{ID: 1, Event: event.TurnStart{TurnID: "t2"}}, {ID: 2, Event: event.TextDelta{Text: "after restart"}},
				{ID: 3, Event: event.TurnEnd{Status: event.StatusComplete}}},
		},
	})
	assert.Equal(t, []event.Event{
		event.TurnStart{TurnID: "t1"},
		event.TextDelta{Text: "a"},
		event.TextDelta{Text: "b"},
		event.TurnStart{TurnID: "t2"},
		event.TextDelta{Text: "after restart"},
		event.TurnEnd{Status: event.StatusComplete},
	}, got)
}

func eventsOf(frames []stream.Frame) []event.Event {
	out := make([]event.Event, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
