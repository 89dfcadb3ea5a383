package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/leelynne/sqpool"
	"github.com/leelynne/sqpool/config"
	"github.com/leelynne/sqpool/ratelimit"
	"github.com/leelynne/sqpool/stats"
)

// newThrottle returns nil when rate limiting is off.
func newThrottle(c config.RateLimit) (sqpool.Throttle, error) {
	switch c.Kind {
	case config.RateLimitBucket:
		b, err := ratelimit.New(c.Capacity, c.Delay)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.RateLimitRate:
		return rate.NewLimiter(rate.Limit(c.PerSecond), c.Burst), nil
	}
	return nil, nil
}

// newStats returns a nil Recorder when stats are off. The MemoryStore is
// returned for the memory backend so totals can be logged on exit.
func newStats(c config.Stats, log logrus.FieldLogger) (*stats.Recorder, *stats.MemoryStore, error) {
	switch c.Backend {
	case config.StatsMemory:
		mem := stats.NewMemoryStore()
		return stats.NewRecorder(mem, stats.WithRecorderLogger(log)), mem, nil
	case config.StatsRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		store := stats.NewRedisStore(rdb,
			stats.WithPrefix(c.Prefix),
			stats.WithTTL(c.TTL),
			stats.WithBucket(c.Bucket),
		)
		return stats.NewRecorder(store, stats.WithRecorderLogger(log)), nil, nil
	}
	return nil, nil, nil
}
