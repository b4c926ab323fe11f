package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/duckpond/internal/config"
	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/stream"
	"github.com/ehrlich-b/duckpond/internal/transport"
)

func initCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.dir()
			if err != nil {
				return err
			}
			path := g.config
			if path == "" {
				path = config.ConfigPath(dir)
			}
			if err := config.Write(path, config.Default(dir), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var sessionFlag string
	var noWait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and print the reply as it streams",
		Long:  "Sends a message (or stdin when no argument is given) and tails the conversation until the turn ends.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			addr, err := g.serverAddr()
			if err != nil {
				return err
			}
			client := transport.NewClient(addr)

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			content := []event.ContentPart{event.TextPart(text)}
			out := cmd.OutOrStdout()

			if noWait {
				resp, err := client.Submit(ctx, sessionFlag, content)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "turn %s accepted (queued=%v)\n", resp.TurnID, resp.Queued)
				return nil
			}

			// Subscribe first; a turn already running when the stream
			// connects is replayed from its start.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			frames := make(chan stream.Frame, 256)
			tailErr := make(chan error, 1)
			go func() {
				tailErr <- client.Tail(ctx, sessionFlag, func(f stream.Frame) bool {
					select {
					case frames <- f:
						return true
					case <-ctx.Done():
						return false
					}
				})
			}()

			resp, err := client.Submit(ctx, sessionFlag, content)
			if err != nil {
				return err
			}
			p := &turnPrinter{out: out, errOut: cmd.ErrOrStderr(), turnID: resp.TurnID}
			for {
				select {
				case f := <-frames:
					if !p.frame(f) {
						return p.err
					}
				case err := <-tailErr:
					return err
				}
			}
		},
	}
	cmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "conversation to continue (default: start a new one)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the turn is accepted")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long")
	return cmd
}

func messageText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("nothing to send")
	}
	return text, nil
}

// turnPrinter renders one turn's frames for a terminal.
type turnPrinter struct {
	out    io.Writer
	errOut io.Writer
	turnID string
	active bool
	err    error
}

// frame prints f and reports whether to keep reading.
func (p *turnPrinter) frame(f stream.Frame) bool {
	switch ev := f.Event.(type) {
	case event.TurnStart:
		p.active = ev.TurnID == p.turnID
	case event.TextDelta:
		if p.active {
			fmt.Fprint(p.out, ev.Text)
		}
	case event.ToolCall:
		if p.active {
			fmt.Fprintf(p.errOut, "\n[%s] %s\n", ev.ToolName, ev.ArgsText)
		}
	case event.Status:
		if p.active {
			fmt.Fprintf(p.errOut, "\n[%s]\n", ev.Phase)
		}
	case event.SessionID:
		if p.active {
			fmt.Fprintf(p.errOut, "\n[session %s]\n", ev.SessionID)
		}
	case event.Error:
		if p.active {
			p.err = fmt.Errorf("agent: %s", ev.Message)
		}
	case event.TurnEnd:
		if p.active {
			fmt.Fprintln(p.out)
			if ev.Status == event.StatusInterrupted && p.err == nil {
				p.err = fmt.Errorf("turn interrupted")
			}
			return false
		}
	}
	return true
}

func sessionsCmd(g *globals) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List recent conversations, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := g.serverAddr()
			if err != nil {
				return err
			}
			client := transport.NewClient(addr)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				sess, err := client.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeIndented(out, sess)
				}
				for _, m := range sess.Messages {
					for _, p := range m.Content {
						switch p.Type {
						case "text":
							fmt.Fprintf(out, "%s: %s\n", m.Role, p.Text)
						case "tool-call":
							fmt.Fprintf(out, "%s: [%s]\n", m.Role, p.ToolName)
						case "image":
							fmt.Fprintf(out, "%s: [image]\n", m.Role)
						}
					}
				}
				return nil
			}

			list, err := client.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(out, list)
			}
			for _, s := range list {
				updated := ""
				if s.UpdatedAt != nil {
					updated = *s.UpdatedAt
				}
				fmt.Fprintf(out, "%s  %-24s  %s\n", s.ID, updated, s.Title)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func interruptCmd(g *globals) *cobra.Command {
	var sessionFlag string
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Stop the running turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := g.serverAddr()
			if err != nil {
				return err
			}
			status, err := transport.NewClient(addr).Interrupt(cmd.Context(), sessionFlag)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "only interrupt this conversation")
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
