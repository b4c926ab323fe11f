package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

const (
	maxLineSize          = 10 * 1024 * 1024
	defaultHandshake     = 30 * time.Second
	closeGrace           = 5 * time.Second
	defaultSessionHandle = "default"
)

// CmdFactory builds the command for the runtime process. Tests swap in a
// fake CLI through it.
type CmdFactory func(ctx context.Context, name string, args []string) (*exec.Cmd, error)

// Claude runs the claude CLI as a long-lived process speaking stream-json on
// stdin and stdout.
type Claude struct {
	command          string
	cmdFactory       CmdFactory
	handshakeTimeout time.Duration
	log              *slog.Logger
}

type ClaudeOption func(*Claude)

func WithCmdFactory(f CmdFactory) ClaudeOption {
	return func(c *Claude) { c.cmdFactory = f }
}

func WithHandshakeTimeout(d time.Duration) ClaudeOption {
	return func(c *Claude) { c.handshakeTimeout = d }
}

func NewClaude(command string, opts ...ClaudeOption) *Claude {
	if command == "" {
		command = "claude"
	}
	c := &Claude{
		command:          command,
		handshakeTimeout: defaultHandshake,
		log:              logger.With("agent"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Claude) Health() error {
	cmd, err := c.build(context.Background(), []string{"--version"})
	if err != nil {
		return err
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("claude health check failed: %w", err)
	}
	return nil
}

// Args returns the CLI arguments for a connection.
func Args(opts ConnectOpts) []string {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--include-partial-messages",
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

func (c *Claude) build(ctx context.Context, args []string) (*exec.Cmd, error) {
	if c.cmdFactory != nil {
		cmd, err := c.cmdFactory(ctx, c.command, args)
		if err != nil {
			return nil, fmt.Errorf("build command: %w", err)
		}
		return cmd, nil
	}
	return exec.CommandContext(ctx, c.command, args...), nil
}

// Connect starts the runtime process and completes the initialize
// handshake. The process outlives ctx; only Close ends it.
func (c *Claude) Connect(ctx context.Context, opts ConnectOpts) (Conn, error) {
	cmd, err := c.build(context.WithoutCancel(ctx), Args(opts))
	if err != nil {
		return nil, err
	}
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	if len(opts.Env) > 0 {
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		sessionID: opts.Resume,
		pending:   make(map[string]chan controlResponse),
		exited:    make(chan struct{}),
		stderrEOF: make(chan struct{}),
		log:       c.log.With("pid", cmd.Process.Pid),
	}
	go p.drainStderr(stderr)
	go p.readLoop(stdout)

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if err := p.control(hctx, "initialize"); err != nil {
		p.Close()
		return nil, fmt.Errorf("claude handshake: %w", err)
	}
	p.log.Info("agent connected", "resume", opts.Resume)
	return p, nil
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	current   *Stream
	pending   map[string]chan controlResponse
	dead      bool
	exitErr   error
	exited    chan struct{}
	stderrEOF chan struct{}

	closeOnce sync.Once
}

type userLine struct {
	Type            string      `json:"type"`
	Message         userPayload `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userPayload struct {
	Role    string              `json:"role"`
	Content []event.ContentPart `json:"content"`
}

type controlRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Request   map[string]string `json:"request"`
}

func (p *process) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to claude: %w", err)
	}
	return nil
}

func (p *process) Query(ctx context.Context, content []event.ContentPart) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.current != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	s := newStream()
	p.current = s
	sid := p.sessionID
	p.mu.Unlock()

	if sid == "" {
		sid = defaultSessionHandle
	}
	err := p.write(userLine{
		Type:      "user",
		Message:   userPayload{Role: "user", Content: content},
		SessionID: sid,
	})
	if err != nil {
		p.mu.Lock()
		if p.current == s {
			p.current = nil
		}
		p.dead = true
		p.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (p *process) Interrupt(ctx context.Context) error {
	return p.control(ctx, "interrupt")
}

// control sends a control request and waits for its response.
func (p *process) control(ctx context.Context, subtype string) error {
	id := "req_" + uuid.NewString()
	ch := make(chan controlResponse, 1)

	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	err := p.write(controlRequest{
		Type:      "control_request",
		RequestID: id,
		Request:   map[string]string{"subtype": subtype},
	})
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("%s rejected: %s", subtype, resp.Error)
		}
		return nil
	case <-p.exited:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}

	<-p.stderrEOF
	err := p.cmd.Wait()
	if scanErr := scanner.Err(); scanErr != nil && err == nil {
		err = scanErr
	}

	p.mu.Lock()
	p.dead = true
	p.exitErr = err
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	close(p.exited)

	if err != nil {
		p.log.Warn("agent process exited", "error", err)
	} else {
		p.log.Debug("agent process exited")
	}
	if cur != nil {
		cur.finish(err)
	}
}

func (p *process) handleLine(line []byte) {
	var peek struct {
		Type     string           `json:"type"`
		Response *controlResponse `json:"response"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		p.log.Warn("unparseable agent line", "error", err)
		return
	}
	if peek.Type == "control_response" {
		if peek.Response == nil {
			return
		}
		p.mu.Lock()
		ch := p.pending[peek.Response.RequestID]
		p.mu.Unlock()
		if ch != nil {
			ch <- *peek.Response
		}
		return
	}

	msg, err := ParseLine(line)
	if err != nil {
		p.log.Warn("unparseable agent line", "type", peek.Type, "error", err)
		return
	}
	if msg == nil {
		return
	}

	p.mu.Lock()
	switch m := msg.(type) {
	case SystemMessage:
		if m.SessionID != "" {
			p.sessionID = m.SessionID
		}
	case ResultMessage:
		if m.SessionID != "" {
			p.sessionID = m.SessionID
		}
	}
	cur := p.current
	_, isResult := msg.(ResultMessage)
	if isResult {
		p.current = nil
	}
	p.mu.Unlock()

	if cur == nil {
		return
	}
	cur.send(msg)
	if isResult {
		cur.finish(nil)
	}
}

func (p *process) drainStderr(r io.Reader) {
	defer close(p.stderrEOF)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.log.Debug("agent stderr", "line", scanner.Text())
	}
}

func (p *process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Close ends the process: stdin is closed so the CLI can exit on its own,
// then it is killed if it lingers.
func (p *process) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.dead = true
		p.mu.Unlock()
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(closeGrace):
			if p.cmd.Process != nil {
				p.cmd.Process.Kill()
			}
			<-p.exited
		}
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	var exitErr *exec.ExitError
	if p.exitErr != nil && !errors.As(p.exitErr, &exitErr) {
		return p.exitErr
	}
	return nil
}
