package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "library:ratelimit"

// Config configures a Redis-backed fixed-window limiter.
type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
	// FailOpen lets requests through when Redis cannot be reached.
	FailOpen bool
}

// FixedWindowLimiter limits requests per key in a fixed time window shared by
// every replica through Redis.
type FixedWindowLimiter struct {
	limit    int
	window   time.Duration
	prefix   string
	failOpen bool
	client   *redis.Client
}

func NewFixedWindowLimiter(cfg Config) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:    cfg.Limit,
		window:   cfg.Window,
		prefix:   prefix,
		failOpen: cfg.FailOpen,
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
	}, nil
}

// Allow reports whether key is still within quota for the current window.
// A Redis failure is returned alongside the configured fail-open/closed verdict.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true, nil
	}
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return l.failOpen, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return count <= int64(l.limit), nil
}

func (l *FixedWindowLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
