package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultWindow = 24 * time.Hour

// Redis reserves keys with SET NX. Each key expires after its provider's idempotency
// window, after which the provider would no longer deduplicate the request either.
type Redis struct {
	client  *redis.Client
	prefix  string
	windows map[string]time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, windows map[string]time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, windows), nil
}

func NewRedisWithClient(client *redis.Client, windows map[string]time.Duration) *Redis {
	return &Redis{client: client, prefix: "idem:", windows: windows}
}

func (l *Redis) key(provider, key string) string {
	return l.prefix + provider + ":" + key
}

func (l *Redis) window(provider string) time.Duration {
	if w, ok := l.windows[provider]; ok && w > 0 {
		return w
	}
	return defaultWindow
}

func (l *Redis) Reserve(ctx context.Context, provider, key string) (Outcome, error) {
	ok, err := l.client.SetNX(ctx, l.key(provider, key), time.Now().UTC().Format(time.RFC3339), l.window(provider)).Result()
	if err != nil {
		return New, fmt.Errorf("reserve %s/%s: %w", provider, key, err)
	}
	if !ok {
		return Duplicate, nil
	}
	return New, nil
}

func (l *Redis) Release(ctx context.Context, provider, key string) error {
	if err := l.client.Del(ctx, l.key(provider, key)).Err(); err != nil {
		return fmt.Errorf("release %s/%s: %w", provider, key, err)
	}
	return nil
}

func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Redis) Close() error {
	return l.client.Close()
}
