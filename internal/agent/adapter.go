package agent

import (
	"context"
	"errors"

	"github.com/ehrlich-b/duckpond/internal/event"
)

var (
	// ErrClosed is returned by a Conn whose runtime process is gone.
	ErrClosed = errors.New("agent connection closed")
	// ErrBusy is returned when a query is issued while another is streaming.
	ErrBusy = errors.New("agent connection busy")
)

// Runtime creates live connections to the agent. Connecting is expensive:
// the runtime warms its prompt cache on every fresh connection.
type Runtime interface {
	Connect(ctx context.Context, opts ConnectOpts) (Conn, error)
	Health() error
}

// Conn is one live, stateful agent session. At most one query streams at a
// time.
type Conn interface {
	// Query sends one user turn and returns the stream of raw messages it
	// produces. The stream ends after the ResultMessage.
	Query(ctx context.Context, content []event.ContentPart) (*Stream, error)
	Interrupt(ctx context.Context) error
	Alive() bool
	// SessionID is the session id last reported by the runtime, or the
	// resumed id before the first report.
	SessionID() string
	Close() error
}

type ConnectOpts struct {
	Resume         string
	AllowedTools   []string
	SystemPrompt   string
	PermissionMode string
	Model          string
	CWD            string
	Env            map[string]string
}
