// Package transport exposes the session manager, the event stream and the
// history reader over HTTP.
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sourcegraph/conc"
	"github.com/zeebo/blake3"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/history"
	"github.com/ehrlich-b/duckpond/internal/kv"
	"github.com/ehrlich-b/duckpond/internal/logger"
	"github.com/ehrlich-b/duckpond/internal/orient"
	"github.com/ehrlich-b/duckpond/internal/session"
	"github.com/ehrlich-b/duckpond/internal/store"
	"github.com/ehrlich-b/duckpond/internal/stream"
)

const (
	maxChatBody     = 32 << 20
	shutdownTimeout = 5 * time.Second
	defaultTurns    = 50
)

type Options struct {
	// Addr is a TCP listen address. SocketPath additionally (or instead)
	// serves on a unix socket.
	Addr       string
	SocketPath string

	RatePerSecond float64
	RateBurst     int
	Keepalive     time.Duration
}

type Deps struct {
	Manager *session.Manager
	Hub     *stream.Hub
	History *history.Reader
	Store   *store.Store
	KV      kv.Store
	Orient  *orient.Builder
	Logger  *slog.Logger
}

type Server struct {
	opts    Options
	manager *session.Manager
	hub     *stream.Hub
	stream  *stream.Handler
	history *history.Reader
	store   *store.Store
	kv      kv.Store
	orient  *orient.Builder
	limiter *RateLimiter
	log     *slog.Logger
}

func NewServer(opts Options, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.With("http")
	}
	return &Server{
		opts:    opts,
		manager: deps.Manager,
		hub:     deps.Hub,
		stream:  stream.NewHandler(deps.Hub, opts.Keepalive),
		history: deps.History,
		store:   deps.Store,
		kv:      deps.KV,
		orient:  deps.Orient,
		limiter: NewRateLimiter(opts.RatePerSecond, opts.RateBurst),
		log:     log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", s.limiter.Middleware(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("POST /api/chat/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /api/stream", s.stream.ServeSSE)
	mux.HandleFunc("GET /api/ws", s.stream.ServeWS)
	mux.Handle("GET /api/sessions", gzhttp.GzipHandler(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("GET /api/sessions/{id}/turns", gzhttp.GzipHandler(http.HandlerFunc(s.handleListTurns)))
	mux.HandleFunc("GET /api/context", s.handleClock)
	mux.HandleFunc("GET /api/context/{id}", s.handleSessionContext)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Streaming requests see their context cancelled at shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var listeners []net.Listener
	if s.opts.SocketPath != "" {
		os.Remove(s.opts.SocketPath)
		ln, err := net.Listen("unix", s.opts.SocketPath)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", s.opts.SocketPath, err)
		}
		listeners = append(listeners, ln)
		defer os.Remove(s.opts.SocketPath)
	}
	if s.opts.Addr != "" {
		ln, err := net.Listen("tcp", s.opts.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
		}
		listeners = append(listeners, ln)
	}
	if len(listeners) == 0 {
		return errors.New("no listen address configured")
	}

	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, len(listeners))
	var wg conc.WaitGroup
	for _, ln := range listeners {
		s.log.Info("listening", "addr", ln.Addr().String())
		wg.Go(func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		})
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancelBase()
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	return serveErr
}

// Request/response types

type chatRequest struct {
	SessionID *string         `json:"sessionId"`
	Content   json.RawMessage `json:"content"`
}

type ChatResponse struct {
	Status    string `json:"status"`
	TurnID    string `json:"turnId"`
	SessionID string `json:"sessionId,omitempty"`
	Queued    bool   `json:"queued"`
}

type interruptRequest struct {
	SessionID string `json:"sessionId"`
}

type InterruptResponse struct {
	Status string `json:"status"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Session   string `json:"session,omitempty"`
}

// ContextUsage is the token meter payload. Nulls mean unknown.
type ContextUsage struct {
	InputTokens *int    `json:"input_tokens"`
	Timestamp   *string `json:"timestamp"`
}

type TurnResponse struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	Status        event.TurnStatus   `json:"status"`
	UserText      string             `json:"user_text"`
	AssistantText string             `json:"assistant_text"`
	ToolCalls     int                `json:"tool_calls"`
	ContextTokens int                `json:"context_tokens,omitempty"`
	Error         string             `json:"error,omitempty"`
	StartedAt     string             `json:"started_at"`
	EndedAt       string             `json:"ended_at"`
	Events        []stream.WireFrame `json:"events,omitempty"`
}

func turnToResponse(r *store.TurnRecord) TurnResponse {
	out := TurnResponse{
		ID:            r.ID,
		SessionID:     r.SessionID,
		Status:        r.Status,
		UserText:      r.UserText,
		AssistantText: r.AssistantText,
		ToolCalls:     r.ToolCalls,
		ContextTokens: r.ContextTokens,
		Error:         r.Error,
		StartedAt:     r.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:       r.EndedAt.UTC().Format(time.RFC3339),
	}
	for i, ev := range r.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		out.Events = append(out.Events, stream.WireFrame{ID: uint64(i + 1), Type: ev.Type(), Data: data})
	}
	return out
}

// Handlers

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	content, err := event.ParseContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conversationID := ""
	if req.SessionID != nil {
		conversationID = *req.SessionID
	}

	t, err := s.manager.Submit(r.Context(), conversationID, content)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.log.Error("submit failed", "session", conversationID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, ChatResponse{
		Status:    "accepted",
		TurnID:    t.ID,
		SessionID: conversationID,
		Queued:    t.Queued,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	status := "idle"
	if s.manager.Interrupt(req.SessionID) {
		status = "interrupted"
	}
	writeJSON(w, http.StatusOK, InterruptResponse{Status: status})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > history.MaxLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", history.MaxLimit))
			return
		}
		limit = n
	}
	list, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.history.Load(id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := json.Marshal(sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sum := blake3.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []TurnResponse{})
		return
	}
	limit := defaultTurns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	turns, err := s.store.ListTurns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnToResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orient.Clock())
}

// handleSessionContext reports the session's context size: what the proxy
// stored, else what the manager last saw, else the archive.
func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.kv != nil {
		raw, err := s.kv.Get(r.Context(), kv.ContextKey(id))
		switch {
		case err == nil && json.Valid([]byte(raw)):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, raw)
			return
		case err != nil && !errors.Is(err, kv.ErrNil):
			s.log.Warn("context lookup", "session", id, "error", err)
		}
	}
	if u, ok := s.manager.LastUsage(id); ok {
		writeJSON(w, http.StatusOK, usage(u.Count, u.At))
		return
	}
	if s.store != nil {
		if n, at, ok := s.store.LastContextTokens(r.Context(), id); ok {
			writeJSON(w, http.StatusOK, usage(n, at))
			return
		}
	}
	writeJSON(w, http.StatusOK, ContextUsage{})
}

func usage(n int, at time.Time) ContextUsage {
	ts := at.UTC().Format(time.RFC3339)
	return ContextUsage{InputTokens: &n, Timestamp: &ts}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, alive := s.manager.Current()
	resp := HealthResponse{Status: "ok", Connected: alive}
	if id != "" {
		resp.Session = id
		if len(id) > 8 {
			resp.Session = id[:8]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
