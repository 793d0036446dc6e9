package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "authz:version"
	cacheKeyPrefix  = "authz:dec"
	bumpChannel     = "authz.bump"
	// DefaultDecisionTTL bounds staleness when an invalidation signal is lost.
	DefaultDecisionTTL = 300 * time.Second
)

// DecisionKey identifies one cached decision.
type DecisionKey struct {
	PrincipalID  string
	Permission   string
	ResourceType string
	ResourceID   string
}

// DecisionCache memoizes decisions in Redis. Keys embed a global version
// counter: bumping the version makes every prior entry unreachable, which
// serves as the broad invalidation path for role and permission level
// mutations. Principal-scoped invalidation deletes the principal's keys
// directly. All methods tolerate a nil cache or an unreachable Redis by
// surfacing ErrCacheUnavailable, which callers treat as a miss.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDecisionCache builds a cache helper. A zero ttl falls back to
// DefaultDecisionTTL.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{client: client, ttl: ttl}
}

// TTL reports the configured entry lifetime.
func (c *DecisionCache) TTL() time.Duration {
	if c == nil {
		return DefaultDecisionTTL
	}
	return c.ttl
}

func (c *DecisionCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// The principal segment leads the key so principal-scoped invalidation can
// match on a prefix regardless of version.
func (c *DecisionCache) buildKey(ctx context.Context, key DecisionKey) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		cacheKeyPrefix,
		"p", key.PrincipalID,
		"v" + strconv.FormatInt(ver, 10),
		key.Permission,
		orDash(key.ResourceType),
		orDash(key.ResourceID),
	}, ":"), nil
}

// Get returns the cached decision, reporting found=false on a miss.
func (c *DecisionCache) Get(ctx context.Context, key DecisionKey) (Decision, bool, error) {
	if c == nil || c.client == nil {
		return Decision{}, false, nil
	}
	full, err := c.buildKey(ctx, key)
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	payload, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	var dec Decision
	if err := json.Unmarshal(payload, &dec); err != nil {
		return Decision{}, false, fmt.Errorf("%w: decode: %w", ErrCacheUnavailable, err)
	}
	return dec, true, nil
}

// Put stores a decision under the current version for the configured TTL.
func (c *DecisionCache) Put(ctx context.Context, key DecisionKey, dec Decision) error {
	if c == nil || c.client == nil {
		return nil
	}
	full, err := c.buildKey(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	payload, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrCacheUnavailable, err)
	}
	if err := c.client.Set(ctx, full, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidatePrincipal removes every cached decision for one principal.
func (c *DecisionCache) InvalidatePrincipal(ctx context.Context, principalID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := strings.Join([]string{cacheKeyPrefix, "p", principalID, "*"}, ":")
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %w", ErrCacheUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %w", ErrCacheUnavailable, err)
	}
	return nil
}

// Bump invalidates every cached decision by incrementing the global version
// and notifying peer nodes.
func (c *DecisionCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return fmt.Errorf("%w: incr: %w", ErrCacheUnavailable, err)
	}
	if err := c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err(); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrCacheUnavailable, err)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RedisQuotaCounter backs quota_based conditions with windowed Redis counters.
type RedisQuotaCounter struct {
	client *redis.Client
}

// NewRedisQuotaCounter wraps the client for quota counting.
func NewRedisQuotaCounter(client *redis.Client) *RedisQuotaCounter {
	return &RedisQuotaCounter{client: client}
}

// Increment bumps the counter, setting the expiry on first use of the window.
func (q *RedisQuotaCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if q == nil || q.client == nil {
		return 0, errors.New("quota counter not configured")
	}
	full := "authz:quota:" + key
	used, err := q.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, err
	}
	if used == 1 {
		if err := q.client.Expire(ctx, full, window).Err(); err != nil {
			return 0, err
		}
	}
	return used, nil
}
