package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SQPOOL_"

// ApplyEnv overrides cfg with the SQPOOL_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)

	cfg.AWS.Region = getenvDefault("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.Endpoint = getenvDefault("AWS_ENDPOINT", cfg.AWS.Endpoint)

	cfg.Queue.Name = getenvDefault("QUEUE_NAME", cfg.Queue.Name)
	cfg.Queue.Workers = getenvIntDefault("WORKERS", cfg.Queue.Workers)
	cfg.Queue.MaxBatch = getenvIntDefault("MAX_BATCH", cfg.Queue.MaxBatch)
	cfg.Queue.RunnablesPerWorker = getenvIntDefault("RUNNABLES_PER_WORKER", cfg.Queue.RunnablesPerWorker)
	cfg.Queue.PollWait = getenvDurationDefault("POLL_WAIT", cfg.Queue.PollWait)
	cfg.Queue.DeleteAttempts = getenvIntDefault("DELETE_ATTEMPTS", cfg.Queue.DeleteAttempts)
	cfg.Queue.Heartbeat = getenvBoolDefault("HEARTBEAT", cfg.Queue.Heartbeat)
	cfg.Queue.ShutdownTimeout = getenvDurationDefault("SHUTDOWN_TIMEOUT", cfg.Queue.ShutdownTimeout)

	cfg.RateLimit.Kind = getenvDefault("RATE_LIMIT_KIND", cfg.RateLimit.Kind)
	cfg.RateLimit.Capacity = getenvIntDefault("RATE_LIMIT_CAPACITY", cfg.RateLimit.Capacity)
	cfg.RateLimit.Delay = getenvDurationDefault("RATE_LIMIT_DELAY", cfg.RateLimit.Delay)
	cfg.RateLimit.PerSecond = getenvFloatDefault("RATE_LIMIT_PER_SECOND", cfg.RateLimit.PerSecond)
	cfg.RateLimit.Burst = getenvIntDefault("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Relay.TopicARN = getenvDefault("RELAY_TOPIC_ARN", cfg.Relay.TopicARN)
	cfg.Relay.ForwardQueue = getenvDefault("RELAY_FORWARD_QUEUE", cfg.Relay.ForwardQueue)
	cfg.Relay.ForwardDelay = getenvDurationDefault("RELAY_FORWARD_DELAY", cfg.Relay.ForwardDelay)
	cfg.Relay.Table = getenvDefault("RELAY_TABLE", cfg.Relay.Table)
	if v, ok := lookup("RELAY_TYPES"); ok {
		cfg.Relay.Types = splitList(v)
	}

	cfg.Stats.Backend = getenvDefault("STATS_BACKEND", cfg.Stats.Backend)
	cfg.Stats.RedisAddr = getenvDefault("STATS_REDIS_ADDR", cfg.Stats.RedisAddr)
	cfg.Stats.RedisPassword = getenvDefault("STATS_REDIS_PASSWORD", cfg.Stats.RedisPassword)
	cfg.Stats.RedisDB = getenvIntDefault("STATS_REDIS_DB", cfg.Stats.RedisDB)
	cfg.Stats.Prefix = getenvDefault("STATS_PREFIX", cfg.Stats.Prefix)
	cfg.Stats.TTL = getenvDurationDefault("STATS_TTL", cfg.Stats.TTL)
	cfg.Stats.Bucket = getenvDefault("STATS_BUCKET", cfg.Stats.Bucket)
}

func lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + k)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func getenvDefault(k, def string) string {
	if v, ok := lookup(k); ok {
		return v
	}
	return def
}

// Unparsable values keep the default; Validate reports what is still wrong.
func getenvIntDefault(k string, def int) int {
	v, ok := lookup(k)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloatDefault(k string, def float64) float64 {
	v, ok := lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v, ok := lookup(k)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v, ok := lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
