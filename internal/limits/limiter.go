package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitError reports which limit tripped and when a retry may succeed.
type LimitError struct {
	Kind       string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry in %s", e.Kind, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// RetryAfter extracts the retry hint from a limit error, zero otherwise.
func RetryAfter(err error) time.Duration {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

type LimitConfig struct {
	RequestsPerMinute int
	ParallelRequests  int
}

const (
	window       = time.Minute
	busyRetry    = 5 * time.Second
	semaphoreTTL = 10 * time.Minute
)

// RateLimiter enforces per-client generation limits backed by Redis: a fixed
// one minute request window plus a counter of in-flight generations.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Acquire checks both limits and takes a parallel slot. The returned release
// func is always safe to call, also after a rejection.
func (l *RateLimiter) Acquire(ctx context.Context, key string, cfg LimitConfig) (func(), error) {
	if err := l.Allow(ctx, key, cfg); err != nil {
		return func() {}, err
	}
	return func() {
		l.Release(context.WithoutCancel(ctx), key, cfg)
	}, nil
}

func (l *RateLimiter) Allow(ctx context.Context, key string, cfg LimitConfig) error {
	if l == nil || l.client == nil {
		return nil
	}
	if cfg.RequestsPerMinute > 0 {
		if err := l.checkWindow(ctx, key, cfg.RequestsPerMinute); err != nil {
			return err
		}
	}
	if cfg.ParallelRequests > 0 {
		if err := l.takeSlot(ctx, key, cfg.ParallelRequests); err != nil {
			return err
		}
	}
	return nil
}

func (l *RateLimiter) Release(ctx context.Context, key string, cfg LimitConfig) {
	if l == nil || l.client == nil || cfg.ParallelRequests <= 0 {
		return
	}
	releaseSlot.Run(ctx, l.client, []string{semaphoreKey(key)})
}

// releaseSlot decrements and drops a drained counter in one step, so a slot
// taken between the two commands is never lost.
var releaseSlot = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

func windowKey(key string, at time.Time) string {
	return fmt.Sprintf("rpm:%s:%d", key, at.UTC().Unix()/int64(window.Seconds()))
}

func semaphoreKey(key string) string { return "sem:" + key }

func (l *RateLimiter) checkWindow(ctx context.Context, key string, limit int) error {
	now := l.now()
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		k := windowKey(key, now)
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("limits: window: %w", err)
	}
	if incr.Val() > int64(limit) {
		return &LimitError{Kind: "request", RetryAfter: now.Truncate(window).Add(window).Sub(now)}
	}
	return nil
}

func (l *RateLimiter) takeSlot(ctx context.Context, key string, limit int) error {
	slots := semaphoreKey(key)
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, slots)
		// bounds how long a crashed request can hold a slot
		pipe.Expire(ctx, slots, semaphoreTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("limits: semaphore: %w", err)
	}
	if incr.Val() > int64(limit) {
		releaseSlot.Run(ctx, l.client, []string{slots})
		return &LimitError{Kind: "parallel", RetryAfter: busyRetry}
	}
	return nil
}
