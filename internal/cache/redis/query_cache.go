package redis

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// queryKeyPrefix namespaces cached query results away from price lists and
// queue keys sharing the database.
const queryKeyPrefix = "query:"

// invalidateScanCount is the SCAN batch size used during invalidation.
const invalidateScanCount = 200

// QueryCache implements domain.QueryCache on Redis string keys with a fixed
// TTL. All failures degrade to cache-miss behavior so an unavailable Redis
// slows reads down instead of breaking them.
type QueryCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewQueryCache creates a QueryCache backed by the given Client.
func NewQueryCache(c *Client, ttl time.Duration, logger *slog.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &QueryCache{
		rdb:    c.Underlying(),
		ttl:    ttl,
		logger: logger.With("component", "query_cache"),
	}
}

// CanonicalKey builds the deterministic cache key for (endpoint, params):
// the endpoint followed by "?" and the params serialized as k=v pairs joined
// with "&" in ascending key order. Two callers asking the same logical
// question always produce the same key regardless of map iteration order.
func CanonicalKey(endpoint string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(queryKeyPrefix)
	b.WriteString(endpoint)
	if len(params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Get returns the cached payload or domain.ErrNotFound on miss. Backend
// errors are logged and reported as misses.
func (qc *QueryCache) Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	key := CanonicalKey(endpoint, params)
	val, err := qc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			qc.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		}
		return nil, domain.ErrNotFound
	}
	return val, nil
}

// Set stores the payload under the canonical key with the fixed TTL.
func (qc *QueryCache) Set(ctx context.Context, endpoint string, params map[string]string, value []byte) error {
	key := CanonicalKey(endpoint, params)
	if err := qc.rdb.Set(ctx, key, value, qc.ttl).Err(); err != nil {
		qc.logger.Warn("cache set failed", "key", key, "error", err)
	}
	return nil
}

// Invalidate deletes every cached entry that references the market id plus
// every list entry. List filters are unknown to the mutator, so list keys are
// dropped wholesale rather than risking a stale page.
func (qc *QueryCache) Invalidate(ctx context.Context, marketID string) error {
	var cursor uint64
	var stale []string
	for {
		keys, next, err := qc.rdb.Scan(ctx, cursor, queryKeyPrefix+"*", invalidateScanCount).Result()
		if err != nil {
			qc.logger.Warn("cache invalidation scan failed", "market_id", marketID, "error", err)
			return nil
		}
		for _, key := range keys {
			if referencesMarket(key, marketID) || isListKey(key) {
				stale = append(stale, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(stale) == 0 {
		return nil
	}
	if err := qc.rdb.Del(ctx, stale...).Err(); err != nil {
		qc.logger.Warn("cache invalidation delete failed", "market_id", marketID, "error", err)
		return nil
	}
	qc.logger.Debug("cache invalidated", "market_id", marketID, "keys", len(stale))
	return nil
}

// referencesMarket reports whether the key's endpoint contains the market id
// as a whole path segment. Substring matching alone would confuse market "42"
// with "425".
func referencesMarket(key, marketID string) bool {
	rest := strings.TrimPrefix(key, queryKeyPrefix)
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	for _, seg := range strings.Split(strings.Trim(rest, "/"), "/") {
		if seg == marketID {
			return true
		}
	}
	return false
}

// isListKey reports whether the key caches a collection endpoint rather than
// a single market detail. Detail endpoints embed a market id path segment
// after the collection root.
func isListKey(key string) bool {
	rest := strings.TrimPrefix(key, queryKeyPrefix)
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	return !strings.Contains(strings.Trim(rest, "/"), "/")
}

// Compile-time interface check.
var _ domain.QueryCache = (*QueryCache)(nil)
