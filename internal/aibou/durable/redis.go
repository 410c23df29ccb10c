package durable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis server and key namespace.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, e.g. "aibou:".
	KeyPrefix string
}

// Redis stores each document under KeyPrefix+path as a plain string value.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis. The connection is verified lazily; call Ping.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, prefix: cfg.KeyPrefix}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

// globEscape escapes Redis MATCH metacharacters.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *Redis) key(p string) string { return r.prefix + p }

func (r *Redis) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscape(r.key(prefix))+"/*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	v, err := r.client.Get(ctx, r.key(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable redis: get %s: %w", p, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, path string, value []byte) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(p), value, 0).Err(); err != nil {
		return fmt.Errorf("durable redis: set %s: %w", p, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	keys, err := r.scan(ctx, p)
	if err != nil {
		return fmt.Errorf("durable redis: scan %s: %w", p, err)
	}
	keys = append(keys, r.key(p))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("durable redis: delete %s: %w", p, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := Clean(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := r.scan(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("durable redis: list %s: %w", p, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(out)
	return out, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ Store  = (*Redis)(nil)
	_ Pinger = (*Redis)(nil)
)
