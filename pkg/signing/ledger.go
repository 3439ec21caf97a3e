package signing

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/warden/pkg/policy"
)

// historyWindow is the longest window any rate limit looks back over.
const historyWindow = 24 * time.Hour

// Ledger records which request ids were submitted and when requests were
// accepted. It backs replay protection and rate limiting.
type Ledger interface {
	// History returns the view the policy engine needs for requestID.
	History(ctx context.Context, requestID string, now time.Time) (policy.History, error)
	// MarkSubmitted records requestID and reports whether it was new.
	MarkSubmitted(ctx context.Context, requestID string, at time.Time) (bool, error)
	// MarkAccepted records a signed request for rate limiting.
	MarkAccepted(ctx context.Context, requestID string, at time.Time) error
}

// MemoryLedger is a process-local Ledger. It resets on restart.
type MemoryLedger struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	accepted []time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) History(_ context.Context, requestID string, now time.Time) (policy.History, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := policy.History{SeenRequestIDs: map[string]struct{}{}}
	if _, ok := l.seen[requestID]; ok {
		h.SeenRequestIDs[requestID] = struct{}{}
	}
	cutoff := now.Add(-historyWindow)
	for _, at := range l.accepted {
		if !at.Before(cutoff) {
			h.AcceptedAt = append(h.AcceptedAt, at)
		}
	}
	return h, nil
}

func (l *MemoryLedger) MarkSubmitted(_ context.Context, requestID string, _ time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[requestID]; ok {
		return false, nil
	}
	l.seen[requestID] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) MarkAccepted(_ context.Context, _ string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := at.Add(-historyWindow)
	kept := l.accepted[:0]
	for _, t := range l.accepted {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	l.accepted = append(kept, at)
	return nil
}

// redisAcceptScript adds an acceptance and trims entries outside the window
// atomically.
// KEYS[1] = accepted sorted set
// ARGV[1] = acceptance time (unix milliseconds)
// ARGV[2] = request id
// ARGV[3] = cutoff (unix milliseconds)
var redisAcceptScript = redis.NewScript(`
local key = KEYS[1]
redis.call("ZADD", key, ARGV[1], ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. ARGV[3])
return redis.call("ZCARD", key)
`)

// RedisLedger keeps the ledger in Redis so replay protection survives
// restarts and is shared between replicas.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLedger connects to addr.
func NewRedisLedger(addr, password string, db int) *RedisLedger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLedgerFromClient(rdb, "warden:signing:")
}

// NewRedisLedgerFromClient wraps an existing client. Keys are namespaced
// under prefix.
func NewRedisLedgerFromClient(client redis.Cmdable, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client when the ledger owns one.
func (l *RedisLedger) Close() error {
	if c, ok := l.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *RedisLedger) seenKey() string     { return l.prefix + "seen" }
func (l *RedisLedger) acceptedKey() string { return l.prefix + "accepted" }

func (l *RedisLedger) History(ctx context.Context, requestID string, now time.Time) (policy.History, error) {
	h := policy.History{SeenRequestIDs: map[string]struct{}{}}

	seen, err := l.client.SIsMember(ctx, l.seenKey(), requestID).Result()
	if err != nil {
		return policy.History{}, fmt.Errorf("redis ledger: seen lookup: %w", err)
	}
	if seen {
		h.SeenRequestIDs[requestID] = struct{}{}
	}

	from := strconv.FormatInt(now.Add(-historyWindow).UnixMilli(), 10)
	scored, err := l.client.ZRangeByScoreWithScores(ctx, l.acceptedKey(), &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return policy.History{}, fmt.Errorf("redis ledger: accepted lookup: %w", err)
	}
	for _, z := range scored {
		h.AcceptedAt = append(h.AcceptedAt, time.UnixMilli(int64(z.Score)))
	}
	return h, nil
}

func (l *RedisLedger) MarkSubmitted(ctx context.Context, requestID string, _ time.Time) (bool, error) {
	added, err := l.client.SAdd(ctx, l.seenKey(), requestID).Result()
	if err != nil {
		return false, fmt.Errorf("redis ledger: mark submitted: %w", err)
	}
	return added == 1, nil
}

func (l *RedisLedger) MarkAccepted(ctx context.Context, requestID string, at time.Time) error {
	cutoff := at.Add(-historyWindow).UnixMilli()
	err := redisAcceptScript.Run(ctx, l.client, []string{l.acceptedKey()}, at.UnixMilli(), requestID, cutoff).Err()
	if err != nil {
		return fmt.Errorf("redis ledger: mark accepted: %w", err)
	}
	return nil
}
