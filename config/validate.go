package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Issue captures a validation problem with a config field.
type Issue struct {
	Field   string
	Message string
}

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []Issue
}

func (err *ValidationError) Error() string {
	if err == nil || len(err.Issues) == 0 {
		return "config validation failed"
	}
	lines := make([]string, 0, len(err.Issues))
	for _, issue := range err.Issues {
		lines = append(lines, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return strings.Join(lines, "\n")
}

type issueCollector struct {
	issues []Issue
}

func (c *issueCollector) add(field, message string) {
	c.issues = append(c.issues, Issue{Field: field, Message: message})
}

func (c *issueCollector) result() error {
	if len(c.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: c.issues}
}

// Validate normalizes enum fields and checks cfg. All problems are reported
// together in a *ValidationError.
func Validate(cfg *Config) error {
	c := &issueCollector{}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		c.add("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		c.add("log.format", "must be json or text")
	}

	validateQueue(&cfg.Queue, c)
	validateRateLimit(&cfg.RateLimit, c)
	validateRelay(&cfg.Relay, c)
	validateStats(&cfg.Stats, c)

	return c.result()
}

func validateQueue(q *Queue, c *issueCollector) {
	if strings.TrimSpace(q.Name) == "" {
		c.add("queue.name", "is required")
	}
	if q.Workers < 1 {
		c.add("queue.workers", "must be >= 1")
	}
	if q.MaxBatch < 1 || q.MaxBatch > 10 {
		c.add("queue.max_batch", "must be between 1 and 10")
	}
	if q.RunnablesPerWorker < 1 {
		c.add("queue.runnables_per_worker", "must be >= 1")
	}
	if q.PollWait < 0 || q.PollWait.Seconds() > 20 {
		c.add("queue.poll_wait", "must be between 0s and 20s")
	}
	if q.ImminentPollWait < 0 || q.ImminentPollWait > q.PollWait {
		c.add("queue.imminent_poll_wait", "must be between 0s and poll_wait")
	}
	if q.DeleteAttempts < 1 {
		c.add("queue.delete_attempts", "must be >= 1")
	}
	if q.ShutdownTimeout <= 0 {
		c.add("queue.shutdown_timeout", "must be > 0")
	}
}

func validateRateLimit(r *RateLimit, c *issueCollector) {
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	if r.Kind == "" {
		r.Kind = RateLimitNone
	}
	switch r.Kind {
	case RateLimitNone:
	case RateLimitBucket:
		if r.Capacity < 1 {
			c.add("rate_limit.capacity", "must be >= 1")
		}
		if r.Delay < 0 {
			c.add("rate_limit.delay", "must be >= 0")
		}
	case RateLimitRate:
		if r.PerSecond <= 0 {
			c.add("rate_limit.per_second", "must be > 0")
		}
		if r.Burst < 1 {
			c.add("rate_limit.burst", "must be >= 1")
		}
	default:
		c.add("rate_limit.kind", fmt.Sprintf("unknown kind %q, want none, bucket or rate", r.Kind))
	}
}

func validateRelay(r *Relay, c *issueCollector) {
	if r.TopicARN == "" && r.ForwardQueue == "" && r.Table == "" {
		c.add("relay", "at least one of topic_arn, forward_queue or table is required")
	}
	if r.Table != "" && strings.TrimSpace(r.HashKey) == "" {
		c.add("relay.hash_key", "is required with relay.table")
	}
	if r.ForwardDelay < 0 || r.ForwardDelay.Minutes() > 15 {
		c.add("relay.forward_delay", "must be between 0s and 15m")
	}
}

func validateStats(s *Stats, c *issueCollector) {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = StatsNone
	}
	switch s.Backend {
	case StatsNone, StatsMemory:
	case StatsRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			c.add("stats.redis_addr", "is required when stats.backend is redis")
		}
		if s.Bucket != "minute" && s.Bucket != "none" {
			c.add("stats.bucket", "must be minute or none")
		}
	default:
		c.add("stats.backend", fmt.Sprintf("unknown backend %q, want none, memory or redis", s.Backend))
	}
}
