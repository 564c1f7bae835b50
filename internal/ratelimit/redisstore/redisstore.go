// Package redisstore keeps rate limit buckets in Redis so every gateway
// process shares the same budget per key.
//
// A bucket is a plain integer key holding the consumed points, with a
// millisecond expiry set when the key is created. Consumption is a single Lua
// script (INCRBY, PEXPIRE if new, PTTL) so concurrent callers on any number of
// processes are serialized by Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

const (
	backendName   = "redis"
	defaultPrefix = "gateguard:rl"
)

var consumeScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == tonumber(ARGV[1]) or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {current, ttl}
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(strings.TrimSpace(prefix), ":") }
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity; used at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &ratelimit.StoreError{Backend: backendName, Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Consume(ctx context.Context, key string, points int, b ratelimit.Budget) (ratelimit.Usage, error) {
	windowMS := b.Window.Milliseconds()
	if windowMS < 1 {
		windowMS = 1
	}

	res, err := consumeScript.Run(ctx, s.client, []string{s.buildKey(key)}, points, windowMS).Result()
	if err != nil {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: backendName, Op: "consume", Err: err}
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: backendName, Op: "consume", Err: errors.New("unexpected script response")}
	}
	count, errCount := toInt64(values[0])
	ttl, errTTL := toInt64(values[1])
	if errCount != nil || errTTL != nil {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: backendName, Op: "consume", Err: errors.Join(errCount, errTTL)}
	}

	return ratelimit.Usage{
		Consumed: int(count),
		TTL:      time.Duration(ttl) * time.Millisecond,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.Usage, error) {
	k := s.buildKey(key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: backendName, Op: "get", Err: err}
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return ratelimit.Usage{}, nil
	}
	if err != nil {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: backendName, Op: "get", Err: err}
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return ratelimit.Usage{Consumed: count, TTL: ttl}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
