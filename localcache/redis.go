package localcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps profile state in Redis so it roams between machines.
type Redis struct {
	client  *redis.Client
	profile string
	ttl     time.Duration
	owned   bool
}

// NewRedis wraps client. A zero ttl keeps keys until removed.
func NewRedis(client *redis.Client, profile string, ttl time.Duration) *Redis {
	if client == nil {
		panic("localcache.NewRedis: client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Redis{client: client, profile: profile, ttl: ttl}
}

// DialRedis connects to the Redis URL and owns the resulting client.
func DialRedis(ctx context.Context, url, profile string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	r := NewRedis(client, profile, ttl)
	r.owned = true
	return r, nil
}

// Client returns the underlying connection for components sharing it.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) key(key string) string {
	if r.profile == "" {
		return key
	}
	return r.profile + ":" + key
}

func (r *Redis) Read(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *Redis) Write(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close releases the client only when DialRedis created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
