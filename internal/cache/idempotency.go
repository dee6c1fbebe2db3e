package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Response is a stored API response replayed for a repeated Idempotency-Key.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// ClaimState is the outcome of Claim.
type ClaimState int

const (
	// ClaimUnavailable means Redis could not be reached; run without a claim.
	ClaimUnavailable ClaimState = iota
	// ClaimAcquired means the caller owns the key and must Complete or Abandon it.
	ClaimAcquired
	// ClaimPending means another request holding the key is still running.
	ClaimPending
	// ClaimDone means a response is stored and should be replayed.
	ClaimDone
)

// pendingMarker never parses as a Response with a status.
const pendingMarker = `{"pending":true}`

// IdempotencyCache stores completed generation responses keyed by caller and
// request key. A key is claimed before the upstream call so a duplicate that
// arrives mid-flight sees it as pending instead of running a second time.
type IdempotencyCache struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	// a crashed request frees its key once synthesis could no longer be running
	return &IdempotencyCache{client: client, ttl: ttl, pendingTTL: min(ttl, 10*time.Minute)}
}

// Claim takes key for the caller or reports why it cannot. The stored
// response is returned with ClaimDone.
func (c *IdempotencyCache) Claim(ctx context.Context, scope, key string) (Response, ClaimState) {
	if c == nil || c.client == nil || key == "" {
		return Response{}, ClaimUnavailable
	}
	redisKey := c.prefixed(scope, key)
	ok, err := c.client.SetNX(ctx, redisKey, pendingMarker, c.pendingTTL).Result()
	if err != nil {
		return Response{}, ClaimUnavailable
	}
	if ok {
		return Response{}, ClaimAcquired
	}
	if resp, found := c.lookup(ctx, redisKey); found {
		return resp, ClaimDone
	}
	return Response{}, ClaimPending
}

// Complete replaces the claim with resp for the full TTL.
func (c *IdempotencyCache) Complete(ctx context.Context, scope, key string, resp Response) {
	if c == nil || c.client == nil || key == "" || len(resp.Body) == 0 {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefixed(scope, key), data, c.ttl)
}

// Abandon drops a claim that never completed so the key can be retried.
// A completed response is left in place.
func (c *IdempotencyCache) Abandon(ctx context.Context, scope, key string) {
	if c == nil || c.client == nil || key == "" {
		return
	}
	dropPending.Run(ctx, c.client, []string{c.prefixed(scope, key)}, pendingMarker)
}

var dropPending = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *IdempotencyCache) lookup(ctx context.Context, redisKey string) (Response, bool) {
	data, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil || resp.Status == 0 {
		return Response{}, false
	}
	return resp, true
}

func (c *IdempotencyCache) prefixed(scope, key string) string {
	return "idem:" + scope + ":" + key
}
