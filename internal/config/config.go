package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "DUCKPOND"

// Config is the server configuration, read from config.yaml with
// DUCKPOND_* environment overrides. Durations are Go duration strings.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	KV         KVConfig         `mapstructure:"kv" yaml:"kv"`
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Context    ContextConfig    `mapstructure:"context" yaml:"context"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Addr          string  `mapstructure:"addr" yaml:"addr"`
	Socket        string  `mapstructure:"socket" yaml:"socket,omitempty"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	Keepalive     string  `mapstructure:"keepalive" yaml:"keepalive"`
}

type AgentConfig struct {
	Command          string   `mapstructure:"command" yaml:"command"`
	CWD              string   `mapstructure:"cwd" yaml:"cwd,omitempty"`
	Model            string   `mapstructure:"model" yaml:"model,omitempty"`
	BaseURL          string   `mapstructure:"base_url" yaml:"base_url,omitempty"` // API proxy the runtime talks through
	PermissionMode   string   `mapstructure:"permission_mode" yaml:"permission_mode"`
	AllowedTools     []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	SystemPromptPath string   `mapstructure:"system_prompt_path" yaml:"system_prompt_path,omitempty"`
	SessionsDir      string   `mapstructure:"sessions_dir" yaml:"sessions_dir,omitempty"` // default derived from cwd
	ConnectTimeout   string   `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	InterruptGrace   string   `mapstructure:"interrupt_grace" yaml:"interrupt_grace"`
	MaxQueued        int      `mapstructure:"max_queued" yaml:"max_queued"`
}

type KVConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"` // memory, redis or sqlite
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
}

type CompactionConfig struct {
	TTL string `mapstructure:"ttl" yaml:"ttl"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type ContextConfig struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname,omitempty"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
	Format string `mapstructure:"format" yaml:"format"`
}

var DefaultTools = []string{
	"Read", "Write", "Edit", "Glob", "Grep", "Bash",
	"WebFetch", "WebSearch", "Task", "TodoWrite", "NotebookEdit",
}

// Default returns the configuration used when no file sets a value. dir is
// the duckpond home directory.
func Default(dir string) *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8765",
			RatePerSecond: 2,
			RateBurst:     10,
			Keepalive:     "15s",
		},
		Agent: AgentConfig{
			Command:        "claude",
			PermissionMode: "bypassPermissions",
			AllowedTools:   append([]string(nil), DefaultTools...),
			ConnectTimeout: "30s",
			InterruptGrace: "10s",
			MaxQueued:      8,
		},
		KV:         KVConfig{Backend: "sqlite", RedisURL: "redis://localhost:6379/0"},
		Compaction: CompactionConfig{TTL: "1h"},
		Store:      StoreConfig{Path: filepath.Join(dir, "duckpond.db")},
		Context:    ContextConfig{Timezone: "Local"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.socket", d.Server.Socket)
	v.SetDefault("server.rate_per_second", d.Server.RatePerSecond)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.keepalive", d.Server.Keepalive)

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.cwd", d.Agent.CWD)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.base_url", d.Agent.BaseURL)
	v.SetDefault("agent.permission_mode", d.Agent.PermissionMode)
	v.SetDefault("agent.allowed_tools", d.Agent.AllowedTools)
	v.SetDefault("agent.system_prompt_path", d.Agent.SystemPromptPath)
	v.SetDefault("agent.sessions_dir", d.Agent.SessionsDir)
	v.SetDefault("agent.connect_timeout", d.Agent.ConnectTimeout)
	v.SetDefault("agent.interrupt_grace", d.Agent.InterruptGrace)
	v.SetDefault("agent.max_queued", d.Agent.MaxQueued)

	v.SetDefault("kv.backend", d.KV.Backend)
	v.SetDefault("kv.redis_url", d.KV.RedisURL)
	v.SetDefault("compaction.ttl", d.Compaction.TTL)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("context.hostname", d.Context.Hostname)
	v.SetDefault("context.timezone", d.Context.Timezone)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads dir/config.yaml (or path when set), after loading any .env in
// dir and the working directory. A missing file is not an error.
func Load(dir, path string) (*Config, error) {
	for _, env := range []string{filepath.Join(dir, ".env"), ".env"} {
		if err := godotenv.Load(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", env, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default(dir))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("kv.redis_url", EnvPrefix+"_KV_REDIS_URL", "REDIS_URL")

	if path == "" {
		path = ConfigPath(dir)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Agent.CWD = ExpandHome(cfg.Agent.CWD)
	cfg.Agent.SystemPromptPath = ExpandHome(cfg.Agent.SystemPromptPath)
	cfg.Agent.SessionsDir = ExpandHome(cfg.Agent.SessionsDir)
	cfg.Logging.File = ExpandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" && c.Server.Socket == "" {
		return fmt.Errorf("server.addr or server.socket is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.MaxQueued < 1 {
		return fmt.Errorf("agent.max_queued must be at least 1")
	}
	for key, val := range map[string]string{
		"server.keepalive":      c.Server.Keepalive,
		"agent.connect_timeout": c.Agent.ConnectTimeout,
		"agent.interrupt_grace": c.Agent.InterruptGrace,
		"compaction.ttl":        c.Compaction.TTL,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	switch c.KV.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.KV.RedisURL == "" {
			return fmt.Errorf("kv.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("kv.backend must be 'memory', 'redis' or 'sqlite'")
	}
	if c.Agent.BaseURL != "" {
		u, err := url.Parse(c.Agent.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent.base_url must be an http(s) URL")
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("context.timezone: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	return nil
}

// Location resolves context.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Context.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Context.Timezone)
}

// Env is the extra environment for the runtime process.
func (a AgentConfig) Env() map[string]string {
	if a.BaseURL == "" {
		return nil
	}
	return map[string]string{"ANTHROPIC_BASE_URL": a.BaseURL}
}

func (a AgentConfig) ConnectTimeoutDuration() time.Duration { return mustDuration(a.ConnectTimeout) }
func (a AgentConfig) InterruptGraceDuration() time.Duration { return mustDuration(a.InterruptGrace) }
func (s ServerConfig) KeepaliveDuration() time.Duration     { return mustDuration(s.Keepalive) }
func (c CompactionConfig) TTLDuration() time.Duration       { return mustDuration(c.TTL) }

// mustDuration parses a duration already checked by Validate. Invalid
// input yields zero, which callers treat as "use the default".
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Write saves cfg as YAML, refusing to replace an existing file unless
// overwrite is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
