package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/duckpond/internal/config"
)

type globals struct {
	home   string
	config string
	server string
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "duckpond",
		Short:         "duckpond: a chat server for a long-lived coding agent",
		Long:          "Keeps one agent CLI session warm, streams its turns to browsers and reads its transcripts back as history.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.home, "home", "", "duckpond directory (default ~/.duckpond)")
	root.PersistentFlags().StringVar(&g.config, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVar(&g.server, "server", envOr("DUCKPOND_SERVER", ""), "server address for client commands (host:port or unix:///path)")

	root.AddCommand(
		serveCmd(g),
		initCmd(g),
		sendCmd(g),
		sessionsCmd(g),
		interruptCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (g *globals) dir() (string, error) {
	if g.home != "" {
		return config.ExpandHome(g.home), nil
	}
	return config.DefaultDir()
}

func (g *globals) load() (*config.Config, string, error) {
	dir, err := g.dir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(dir, g.config)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

// serverAddr picks the address client commands dial: the flag, else the
// configured socket, else the configured TCP address.
func (g *globals) serverAddr() (string, error) {
	if g.server != "" {
		return g.server, nil
	}
	cfg, _, err := g.load()
	if err != nil {
		return "", err
	}
	if cfg.Server.Socket != "" {
		return "unix://" + cfg.Server.Socket, nil
	}
	return cfg.Server.Addr, nil
}
