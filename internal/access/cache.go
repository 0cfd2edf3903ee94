package access

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds staleness after administrative changes. Reactive
// invalidation is the primary freshness mechanism; the TTL is the safety net
// for missed invalidations.
const DefaultCacheTTL = 5 * time.Second

const cachePrefix = "perm"

// DecisionCache stores resolved decisions in Redis with a short TTL. The
// cache is never a source of truth: every read error degrades to a miss and
// every write error is logged and ignored, so a Redis outage means
// recompute-per-request, not failure.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewDecisionCache constructs a DecisionCache. A zero ttl falls back to
// DefaultCacheTTL.
func NewDecisionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{client: client, ttl: ttl, logger: logger}
}

// TTL returns the configured entry lifetime.
func (c *DecisionCache) TTL() time.Duration { return c.ttl }

type cachedDecision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

func actionKey(userID int64, appName, processID, actionCode string) string {
	sum := md5.Sum(fmt.Appendf(nil, "%d:%s:%s:%s", userID, appName, processID, actionCode))
	return cachePrefix + ":" + hex.EncodeToString(sum[:])
}

func bulkKey(userID int64, appName, processID string) string {
	if processID != "" {
		return fmt.Sprintf("%s:%s:bulk:%d:%s", cachePrefix, appName, userID, processID)
	}
	return fmt.Sprintf("%s:%s:bulk:%d", cachePrefix, appName, userID)
}

// indexKey tracks the hashed per-action keys of one (user, app) pair so
// invalidation can delete them without enumerating the catalog.
func indexKey(userID int64, appName string) string {
	return fmt.Sprintf("%s:idx:%d:%s", cachePrefix, userID, appName)
}

// GetAction looks up a single cached decision.
func (c *DecisionCache) GetAction(ctx context.Context, userID int64, appName, processID, actionCode string) (bool, string, bool) {
	if c == nil || c.client == nil {
		return false, "", false
	}
	raw, err := c.client.Get(ctx, actionKey(userID, appName, processID, actionCode)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warn("cache get action", err)
		}
		return false, "", false
	}
	var d cachedDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		c.warn("cache decode action", err)
		return false, "", false
	}
	return d.Granted, d.Reason, true
}

// SetAction stores a single decision and records its key in the user+app
// index set.
func (c *DecisionCache) SetAction(ctx context.Context, userID int64, appName, processID, actionCode string, granted bool, reason string) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(cachedDecision{Granted: granted, Reason: reason})
	if err != nil {
		c.warn("cache encode action", err)
		return
	}
	key := actionKey(userID, appName, processID, actionCode)
	idx := indexKey(userID, appName)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, idx, key)
	// Index outlives entries slightly so invalidation still finds them.
	pipe.Expire(ctx, idx, c.ttl*4)
	if _, err := pipe.Exec(ctx); err != nil {
		c.warn("cache set action", err)
	}
}

// GetBulk looks up a cached decision map for (user, app[, process]).
func (c *DecisionCache) GetBulk(ctx context.Context, userID int64, appName, processID string) (DecisionMap, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, bulkKey(userID, appName, processID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warn("cache get bulk", err)
		}
		return nil, false
	}
	var m DecisionMap
	if err := json.Unmarshal(raw, &m); err != nil {
		c.warn("cache decode bulk", err)
		return nil, false
	}
	return m, true
}

// SetBulk stores a decision map.
func (c *DecisionCache) SetBulk(ctx context.Context, userID int64, appName, processID string, m DecisionMap) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		c.warn("cache encode bulk", err)
		return
	}
	if err := c.client.Set(ctx, bulkKey(userID, appName, processID), raw, c.ttl).Err(); err != nil {
		c.warn("cache set bulk", err)
	}
}

// InvalidateUserApp drops every cached decision of one user for one app:
// the indexed per-action keys plus all bulk keys, scoped or not. Safe to run
// concurrently with in-flight resolutions and idempotent.
func (c *DecisionCache) InvalidateUserApp(ctx context.Context, userID int64, appName string) error {
	if c == nil || c.client == nil {
		return nil
	}
	idx := indexKey(userID, appName)
	members, err := c.client.SMembers(ctx, idx).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys := append(members, idx, bulkKey(userID, appName, ""))
	scoped, err := c.scanKeys(ctx, fmt.Sprintf("%s:%s:bulk:%d:*", cachePrefix, appName, userID))
	if err != nil {
		return err
	}
	keys = append(keys, scoped...)
	return c.client.Del(ctx, keys...).Err()
}

// InvalidateUser drops every cached decision of a user across all apps. Used
// when role assignments change, since any app's decision map may be affected.
func (c *DecisionCache) InvalidateUser(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	indexes, err := c.scanKeys(ctx, fmt.Sprintf("%s:idx:%d:*", cachePrefix, userID))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		members, err := c.client.SMembers(ctx, idx).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		keys = append(keys, members...)
	}
	keys = append(keys, indexes...)
	bulks, err := c.scanKeys(ctx, fmt.Sprintf("%s:*:bulk:%d", cachePrefix, userID))
	if err != nil {
		return err
	}
	keys = append(keys, bulks...)
	scoped, err := c.scanKeys(ctx, fmt.Sprintf("%s:*:bulk:%d:*", cachePrefix, userID))
	if err != nil {
		return err
	}
	keys = append(keys, scoped...)
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *DecisionCache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (c *DecisionCache) warn(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, slog.Any("error", err))
	}
}
