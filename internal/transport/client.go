package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/history"
	"github.com/ehrlich-b/duckpond/internal/stream"
)

const (
	tailBackoffBase = 250 * time.Millisecond
	tailBackoffMax  = 5 * time.Second
	tailJitter      = 0.2
)

// Client talks to a running server over TCP or a unix socket.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts "unix:///path/to.sock", an http(s) URL or a bare
// host:port.
func NewClient(addr string) *Client {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		return &Client{
			base: "http://duckpond",
			http: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						var d net.Dialer
						return d.DialContext(ctx, "unix", path)
					},
				},
			},
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimRight(addr, "/"), http: &http.Client{}}
}

type SubmitRequest struct {
	SessionID *string             `json:"sessionId"`
	Content   []event.ContentPart `json:"content"`
}

// Submit queues a turn. An empty sessionID starts a new conversation.
func (c *Client) Submit(ctx context.Context, sessionID string, content []event.ContentPart) (*ChatResponse, error) {
	req := SubmitRequest{Content: content}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	var out ChatResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interrupt stops the running turn and reports "interrupted" or "idle".
func (c *Client) Interrupt(ctx context.Context, sessionID string) (string, error) {
	var out InterruptResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat/interrupt", interruptRequest{SessionID: sessionID}, http.StatusOK, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) Sessions(ctx context.Context, limit int) ([]history.Summary, error) {
	path := "/api/sessions"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []history.Summary
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Session(ctx context.Context, id string) (*history.Session, error) {
	var out history.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tail follows a conversation's event stream, calling fn for each frame
// until fn returns false or ctx is done. Dropped connections are retried
// with backoff; frames already seen in a replayed turn are skipped. When a
// new conversation is named, reconnects follow the new id. A server restart
// (a new stream epoch) restarts frame numbering.
func (c *Client) Tail(ctx context.Context, sessionID string, fn func(stream.Frame) bool) error {
	backoff := NewBackoff(tailBackoffBase, tailBackoffMax)
	backoff.Jitter = tailJitter
	cur := &tailCursor{sessionID: sessionID}
	for {
		stop, err := c.tailOnce(ctx, cur, backoff, fn)
		if stop {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return err
		}
		if err := backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

// tailCursor is where a Tail resumes after reconnecting.
type tailCursor struct {
	sessionID string
	epoch     string
	lastID    uint64
}

// rebase adopts the stream epoch a server reported. Frame ids from another
// epoch are unrelated to lastID.
func (t *tailCursor) rebase(epoch string) {
	if epoch == "" || epoch == t.epoch {
		return
	}
	if t.epoch != "" {
		t.lastID = 0
	}
	t.epoch = epoch
}

func (c *Client) tailOnce(ctx context.Context, cur *tailCursor, backoff *Backoff, fn func(stream.Frame) bool) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/stream?sessionId="+url.QueryEscape(cur.sessionID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return false, err
	}
	backoff.Reset()
	cur.rebase(resp.Header.Get(stream.EpochHeader))

	dec := stream.NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if err != nil {
			return false, err
		}
		if f.ID <= cur.lastID {
			continue
		}
		cur.lastID = f.ID
		if sid, ok := f.Event.(event.SessionID); ok {
			cur.sessionID = sid.SessionID
		}
		if !fn(f) {
			return true, nil
		}
	}
}

// StatusError is a non-success HTTP reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// HTTP helpers

func (c *Client) do(ctx context.Context, method, path string, body any, expected int, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, expected); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
