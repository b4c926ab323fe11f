// Package kv is the small key-value store shared with the token-counting
// proxy: compaction markers, context counts and the session-start flag.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key is absent or expired.
var ErrNil = errors.New("kv: key not found")

// Store is a string key-value store with per-key expiry. GetDel is the only
// compound operation.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel returns the value and deletes the key atomically.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

const prefix = "duckpond:"

func CompactionKey(sessionID string) string { return prefix + "compaction:" + sessionID }
func ContextKey(sessionID string) string    { return prefix + "context:" + sessionID }

// SessionStartKey flags that the next turn is the first of a fresh client.
const SessionStartKey = prefix + "session_start"

// HUD keys are written by outside collectors and read into the system
// prompt. They carry no duckpond prefix.
const (
	HUDWeather  = "hud:weather"
	HUDCalendar = "hud:calendar"
	HUDTodos    = "hud:todos"
	HUDToday    = "hud:summary3"
)
