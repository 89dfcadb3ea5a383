// Package config loads the sqpoold configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate limit kinds.
const (
	RateLimitNone   = "none"
	RateLimitBucket = "bucket"
	RateLimitRate   = "rate"
)

// Stats backends.
const (
	StatsNone   = "none"
	StatsMemory = "memory"
	StatsRedis  = "redis"
)

// Config describes the sqpoold configuration.
type Config struct {
	Log       Log       `yaml:"log"`
	AWS       AWS       `yaml:"aws"`
	Queue     Queue     `yaml:"queue"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Relay     Relay     `yaml:"relay"`
	Stats     Stats     `yaml:"stats"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AWS struct {
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoints, e.g. for localstack.
	Endpoint string `yaml:"endpoint"`
}

// Queue configures the queue consumed and the Listener consuming it.
type Queue struct {
	Name               string        `yaml:"name"`
	Workers            int           `yaml:"workers"`
	MaxBatch           int           `yaml:"max_batch"`
	RunnablesPerWorker int           `yaml:"runnables_per_worker"`
	PollWait           time.Duration `yaml:"poll_wait"`
	ImminentPollWait   time.Duration `yaml:"imminent_poll_wait"`
	ReceiveErrorPause  time.Duration `yaml:"receive_error_pause"`
	DeleteAttempts     int           `yaml:"delete_attempts"`
	DeleteBackoff      time.Duration `yaml:"delete_backoff"`
	Heartbeat          bool          `yaml:"heartbeat"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// RateLimit selects the throttle applied before dispatching a message.
// Kind bucket uses Capacity and Delay; kind rate uses PerSecond and Burst.
type RateLimit struct {
	Kind      string        `yaml:"kind"`
	Capacity  int           `yaml:"capacity"`
	Delay     time.Duration `yaml:"delay"`
	PerSecond float64       `yaml:"per_second"`
	Burst     int           `yaml:"burst"`
}

// Relay configures where handled messages are forwarded. Each target is
// optional but at least one must be set.
type Relay struct {
	TopicARN     string        `yaml:"topic_arn"`
	ForwardQueue string        `yaml:"forward_queue"`
	ForwardDelay time.Duration `yaml:"forward_delay"`
	Table        string        `yaml:"table"`
	HashKey      string        `yaml:"hash_key"`
	// Types limits relaying to these message types. Empty relays every
	// message.
	Types []string `yaml:"types"`
}

type Stats struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	Bucket        string        `yaml:"bucket"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "json"},
		Queue: Queue{
			Workers:            10,
			MaxBatch:           10,
			RunnablesPerWorker: 2,
			PollWait:           20 * time.Second,
			ImminentPollWait:   2 * time.Second,
			ReceiveErrorPause:  500 * time.Millisecond,
			DeleteAttempts:     5,
			DeleteBackoff:      1500 * time.Millisecond,
			Heartbeat:          true,
			ShutdownTimeout:    30 * time.Second,
		},
		RateLimit: RateLimit{Kind: RateLimitNone},
		Relay:     Relay{HashKey: "id"},
		Stats: Stats{
			Backend: StatsNone,
			Prefix:  "sqpool:stats",
			TTL:     24 * time.Hour,
			Bucket:  "minute",
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a single YAML document into cfg. Unknown fields are errors.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("parse config: multiple YAML documents are not supported")
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
