package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/duckpond/internal/event"
)

const wsWriteTimeout = 10 * time.Second

// WireFrame is a frame as sent over a WebSocket.
type WireFrame struct {
	ID   uint64          `json:"id"`
	Type event.Type      `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeWire(f Frame) ([]byte, error) {
	data, err := json.Marshal(f.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireFrame{ID: f.ID, Type: f.Event.Type(), Data: data})
}

// Frame decodes a wire frame back into an event frame.
func (w WireFrame) Frame() (Frame, error) {
	ev, err := event.Decode(string(w.Type), w.Data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: w.ID, Event: ev}, nil
}

// ServeWS streams events as JSON text messages. Anything the reader sends
// is ignored; closing the socket ends the subscription.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(EpochHeader, h.hub.Epoch())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debug("websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(64 * 1024)
	defer conn.CloseNow()

	conversationID := r.URL.Query().Get("sessionId")
	sub := h.hub.Subscribe(conversationID)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "reader fell behind")
				return
			}
			data, err := encodeWire(f)
			if err != nil {
				h.log.Warn("encode frame", "error", err)
				continue
			}
			if err := h.write(ctx, conn, data); err != nil {
				h.log.Debug("websocket reader gone", "session", conversationID, "error", err)
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
