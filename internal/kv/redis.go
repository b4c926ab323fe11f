package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server at url (redis://host:port/db).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	return v, mapErr(err)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return mapErr(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) GetDel(ctx context.Context, key string) (string, error) {
	v, err := r.client.GetDel(ctx, key).Result()
	return v, mapErr(err)
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return mapErr(r.client.Del(ctx, key).Err())
}

func (r *Redis) Ping(ctx context.Context) error {
	return mapErr(r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func mapErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
