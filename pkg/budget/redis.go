package budget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps each tenant's window in a sorted set keyed
// <prefix>:<tenant>, member <ts>:<tokens>:<nonce>, scored by timestamp.
// Prune and read run as two commands without a transaction: over-accepting
// by at most one concurrent request beats rejecting a legitimate one.
type RedisTracker struct {
	client  redis.UniversalClient
	prefix  string
	window  time.Duration
	ttl     time.Duration
	ceiling CeilingFunc
	clock   func() time.Time
}

// NewRedisTracker builds a tracker over the given client. A zero ttl
// defaults to twice the window.
func NewRedisTracker(client redis.UniversalClient, prefix string, window, ttl time.Duration, ceiling CeilingFunc) *RedisTracker {
	if ttl < 2*window {
		ttl = 2 * window
	}
	return &RedisTracker{
		client:  client,
		prefix:  prefix,
		window:  window,
		ttl:     ttl,
		ceiling: ceiling,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for testing.
func (t *RedisTracker) WithClock(clock func() time.Time) *RedisTracker {
	t.clock = clock
	return t
}

func (t *RedisTracker) key(tenantID string) string {
	return t.prefix + ":" + tenantID
}

// used prunes expired members and sums the live ones.
func (t *RedisTracker) used(ctx context.Context, tenantID string) (int, error) {
	key := t.key(tenantID)
	now := float64(t.clock().UnixNano()) / float64(time.Second)
	cutoff := now - t.window.Seconds()

	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff)).Err(); err != nil {
		return 0, &BackendError{Op: "zremrangebyscore", Err: err}
	}

	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return 0, &BackendError{Op: "zrangebyscore", Err: err}
	}

	used := 0
	for _, m := range members {
		parts := strings.Split(m, ":")
		if len(parts) < 2 {
			continue
		}
		tokens, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		used += tokens
	}
	return used, nil
}

// Check implements Tracker.
func (t *RedisTracker) Check(ctx context.Context, tenantID string, requested int) error {
	used, err := t.used(ctx, tenantID)
	if err != nil {
		return err
	}
	ceiling := t.ceiling(tenantID)
	if used+requested > ceiling {
		return &ExceededError{
			Tenant:        tenantID,
			Used:          used,
			Requested:     requested,
			Ceiling:       ceiling,
			WindowSeconds: int(t.window.Seconds()),
		}
	}
	return nil
}

// Record implements Tracker.
func (t *RedisTracker) Record(ctx context.Context, tenantID string, tokens int) error {
	now := float64(t.clock().UnixNano()) / float64(time.Second)
	member := fmt.Sprintf("%f:%d:%s", now, tokens, uuid.NewString())

	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, t.key(tenantID), redis.Z{Score: now, Member: member})
	pipe.Expire(ctx, t.key(tenantID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return &BackendError{Op: "zadd", Err: err}
	}
	return nil
}

// CheckRunning implements Tracker.
func (t *RedisTracker) CheckRunning(ctx context.Context, tenantID string, requested int) (bool, error) {
	err := t.Check(ctx, tenantID, requested)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ExceededError); ok {
		return false, nil
	}
	return false, err
}

// Summary implements Tracker.
func (t *RedisTracker) Summary(ctx context.Context, tenantID string) (Summary, error) {
	used, err := t.used(ctx, tenantID)
	if err != nil {
		return Summary{}, err
	}
	return buildSummary(tenantID, int(t.window.Seconds()), t.ceiling(tenantID), used), nil
}
