package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/context"
)

// RedisStore keeps totals in Redis hashes.
//
// Layout under the prefix:
//
//	<prefix>:total               hash of metric name to running total
//	<prefix>:minute:<yyyymmddhhmm> the same per minute, expiring after the TTL
//	<prefix>:inflight            hash with "last" and "max" in-flight counts
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	bucket string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. The default is "sqpool:stats".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets how long per minute buckets are kept. Totals never expire.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithBucket selects "minute" (the default) or "none".
func WithBucket(bucket string) RedisOption {
	return func(s *RedisStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// NewRedisStore returns a RedisStore using rdb.
func NewRedisStore(rdb redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "sqpool:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) totalKey() string    { return s.prefix + ":total" }
func (s *RedisStore) inFlightKey() string { return s.prefix + ":inflight" }

func (s *RedisStore) bucketKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

// maxScript raises the "max" field only when the new value is larger.
const maxScript = `
local cur = tonumber(redis.call("HGET", KEYS[1], "max") or "0")
local v = tonumber(ARGV[1])
if v > cur then
  redis.call("HSET", KEYS[1], "max", v)
end
return 1
`

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Type.String()

	pipe := s.rdb.Pipeline()
	pipe.HIncrByFloat(ctx, s.totalKey(), field, ev.Value)
	if s.bucket == "minute" {
		key := s.bucketKey(at)
		pipe.HIncrByFloat(ctx, key, field, ev.Value)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	pipe.HSet(ctx, s.inFlightKey(), "last", ev.InFlight)
	pipe.Eval(ctx, maxScript, []string{s.inFlightKey()}, ev.InFlight)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record %s: %w", field, err)
	}
	return nil
}

// Totals reads the running totals keyed by metric name.
func (s *RedisStore) Totals(ctx context.Context) (map[string]float64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.totalKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read totals: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("total %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}
