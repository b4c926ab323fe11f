package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/duckpond/internal/kv"
)

// KV is a kv.Store over the kv table.
type KV struct {
	db  *sql.DB
	now func() time.Time
}

func (s *Store) KV() *KV {
	return &KV{db: s.db, now: time.Now}
}

func (k *KV) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return k.now().Add(ttl).UnixMilli()
}

func (k *KV) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, k.now().UnixMilli()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return v, nil
}

func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := k.db.ExecContext(ctx, `INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, k.expiry(ttl))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (k *KV) GetDel(ctx context.Context, key string) (string, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?) RETURNING value`,
		key, k.now().UnixMilli()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("kv getdel: %w", err)
	}
	return v, nil
}

func (k *KV) Del(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

// Purge removes expired rows.
func (k *KV) Purge(ctx context.Context) (int64, error) {
	res, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, k.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return res.RowsAffected()
}

func (k *KV) Ping(ctx context.Context) error { return k.db.PingContext(ctx) }

// Close is a no-op; the Store owns the database.
func (k *KV) Close() error { return nil }
