package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/duckpond/internal/agent"
	"github.com/ehrlich-b/duckpond/internal/compaction"
	"github.com/ehrlich-b/duckpond/internal/config"
	"github.com/ehrlich-b/duckpond/internal/history"
	"github.com/ehrlich-b/duckpond/internal/kv"
	"github.com/ehrlich-b/duckpond/internal/logger"
	"github.com/ehrlich-b/duckpond/internal/orient"
	"github.com/ehrlich-b/duckpond/internal/session"
	"github.com/ehrlich-b/duckpond/internal/store"
	"github.com/ehrlich-b/duckpond/internal/stream"
	"github.com/ehrlich-b/duckpond/internal/transport"
)

const (
	closeTimeout  = 15 * time.Second
	kvPurgeEvery  = 10 * time.Minute
	kvPingTimeout = 5 * time.Second
)

func serveCmd(g *globals) *cobra.Command {
	var addrFlag string
	var debugFlag bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := g.load()
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if debugFlag {
				cfg.Logging.Level = "debug"
			}
			if err := config.EnsureDir(dir); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&debugFlag, "debug", false, "log at debug level")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Format: cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	prompt, err := agent.LoadPrompt(cfg.Agent.SystemPromptPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	kvStore, err := openKV(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	hub := stream.NewHub()
	watcher := compaction.NewWatcher(kvStore, cfg.Compaction.TTLDuration())
	defer watcher.Flush()
	builder := orient.New(orient.Options{
		Store:      kvStore,
		Compaction: watcher,
		Hostname:   cfg.Context.Hostname,
		Location:   loc,
	})

	runtime := agent.NewClaude(cfg.Agent.Command)
	if err := runtime.Health(); err != nil {
		logger.Warn("agent CLI not healthy, turns will fail until it is", "command", cfg.Agent.Command, "error", err)
	}

	manager := session.NewManager(session.Config{
		Connect:        connectOpts(cfg, prompt),
		ConnectTimeout: cfg.Agent.ConnectTimeoutDuration(),
		InterruptGrace: cfg.Agent.InterruptGraceDuration(),
		MaxQueued:      cfg.Agent.MaxQueued,
	}, session.Deps{
		Runtime:    runtime,
		Publisher:  hub,
		Orienter:   builder,
		Prompter:   builder,
		Compaction: watcher,
		Archiver:   st,
	})

	sessionsDir := cfg.Agent.SessionsDir
	if sessionsDir == "" {
		if sessionsDir, err = config.SessionsDir(cfg.Agent.CWD); err != nil {
			return fmt.Errorf("resolve sessions dir: %w", err)
		}
	}
	reader := history.NewReader(sessionsDir, logger.With("history"))

	srv := transport.NewServer(transport.Options{
		Addr:          cfg.Server.Addr,
		SocketPath:    cfg.Server.Socket,
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
		Keepalive:     cfg.Server.KeepaliveDuration(),
	}, transport.Deps{
		Manager: manager,
		Hub:     hub,
		History: reader,
		Store:   st,
		KV:      kvStore,
		Orient:  builder,
	})

	logger.Info("duckpond starting", "addr", cfg.Server.Addr, "socket", cfg.Server.Socket,
		"kv", cfg.KV.Backend, "sessions", sessionsDir, "base_url", cfg.Agent.BaseURL)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := reader.Watch(ctx); err != nil {
			logger.Warn("history cache watcher disabled", "error", err)
		}
	})
	if cfg.KV.Backend == "sqlite" {
		wg.Go(func() { purgeKV(ctx, st.KV()) })
	}

	serveErr := srv.ListenAndServe(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Warn("agent client did not close cleanly", "error", err)
	}
	wg.Wait()
	logger.Info("duckpond stopped")
	return serveErr
}

// connectOpts merges the agent config with the system prompt's frontmatter,
// which wins for tools and fills in a missing model.
func connectOpts(cfg *config.Config, prompt agent.Prompt) agent.ConnectOpts {
	tools := cfg.Agent.AllowedTools
	if len(prompt.Tools) > 0 {
		tools = prompt.Tools
	}
	model := cfg.Agent.Model
	if model == "" {
		model = prompt.Model
	}
	return agent.ConnectOpts{
		AllowedTools:   tools,
		SystemPrompt:   prompt.Body,
		PermissionMode: cfg.Agent.PermissionMode,
		Model:          model,
		CWD:            cfg.Agent.CWD,
		Env:            cfg.Agent.Env(),
	}
}

func openKV(ctx context.Context, cfg *config.Config, st *store.Store) (kv.Store, error) {
	switch cfg.KV.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case "redis":
		r, err := kv.NewRedis(cfg.KV.RedisURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, kvPingTimeout)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, compaction markers and context counts degrade", "error", err)
		}
		return r, nil
	default:
		return st.KV(), nil
	}
}

// purgeKV drops expired sqlite KV rows until ctx is done.
func purgeKV(ctx context.Context, k *store.KV) {
	ticker := time.NewTicker(kvPurgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := k.Purge(ctx); err != nil {
				logger.Warn("kv purge", "error", err)
			} else if n > 0 {
				logger.Debug("kv purged", "rows", n)
			}
		}
	}
}
