package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

const DefaultKeepalive = 15 * time.Second

// Handler serves a conversation's events to one reader per request.
type Handler struct {
	hub       *Hub
	keepalive time.Duration
	log       *slog.Logger
}

func NewHandler(hub *Hub, keepalive time.Duration) *Handler {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Handler{hub: hub, keepalive: keepalive, log: logger.With("stream")}
}

// ServeSSE streams events as Server-Sent Events. Idle periods carry comment
// lines, never events.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	conversationID := r.URL.Query().Get("sessionId")

	sub := h.hub.Subscribe(conversationID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(EpochHeader, h.hub.Epoch())
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 2000\n: connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.C():
			if !ok {
				h.log.Debug("sse reader dropped", "session", conversationID)
				return
			}
			if err := WriteFrame(w, f); err != nil {
				h.log.Debug("sse reader gone", "session", conversationID, "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WriteFrame writes one SSE event: id, event name and JSON data.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f.Event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Event.Type(), err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.ID, f.Event.Type(), data)
	return err
}

// Decoder reads frames from an SSE body, skipping comments.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. It returns io.EOF at the end of the body.
func (d *Decoder) Next() (Frame, error) {
	var (
		id   uint64
		name string
		data strings.Builder
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if name == "" {
				// comment-only or retry block
				data.Reset()
				if err != nil {
					return Frame{}, err
				}
				continue
			}
			ev, decErr := event.Decode(name, []byte(data.String()))
			if decErr != nil {
				return Frame{}, decErr
			}
			return Frame{ID: id, Event: ev}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id, _ = strconv.ParseUint(value, 10, 64)
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
		if err != nil {
			return Frame{}, err
		}
	}
}
