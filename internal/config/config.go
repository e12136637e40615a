// Package config binds the configuration surface named in spec.md §6
// using viper, following the load-from-file-plus-environment pattern used
// by firestige-Otus's config package.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated configuration surface.
type Config struct {
	WorkerID string

	RedisURL          string
	RedisTaskQueue    string
	RedisResultQueue  string
	RedisHeartbeatKey string

	HTTPTimeout            time.Duration
	HTTPConnectTimeout     time.Duration
	HTTPMaxIdleConnections int

	MaxConcurrentTasks    int
	MaxVirtualUsers       int
	HeartbeatIntervalSecs int

	RetryEnabled      bool
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryCap          time.Duration
	RetryJitter       float64

	BreakerFailureThreshold    int
	BreakerResetTimeoutSecs    int
	BreakerHalfOpenMaxInflight int

	ReportPeriodMs        int
	ReportBatchSize       int // soft early-report trigger, spec.md §6; 0 disables it
	ReportRetryQueueDepth int // reporter's bounded retry-queue capacity (spec.md §4.7); unrelated to ReportBatchSize

	Adaptive bool
}

// ErrConfigInvalid wraps a validation failure; fatal at startup per
// spec.md §7.
type ErrConfigInvalid struct{ msg string }

func (e ErrConfigInvalid) Error() string { return "config invalid: " + e.msg }

// Load reads configuration from an optional file at path (if non-empty)
// and from environment variables prefixed LOADWORKER_, applying spec.md
// §6's defaults, then validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("loadworker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	workerID := v.GetString("worker_id")
	if workerID == "" {
		workerID = uuid.NewString()
	}

	cfg := Config{
		WorkerID: workerID,

		RedisURL:          v.GetString("redis.url"),
		RedisTaskQueue:    v.GetString("redis.task_queue"),
		RedisResultQueue:  v.GetString("redis.result_queue"),
		RedisHeartbeatKey: v.GetString("redis.heartbeat_key"),

		HTTPTimeout:            time.Duration(v.GetInt("http.timeout_seconds")) * time.Second,
		HTTPConnectTimeout:     time.Duration(v.GetInt("http.connect_timeout_seconds")) * time.Second,
		HTTPMaxIdleConnections: v.GetInt("http.max_idle_connections"),

		MaxConcurrentTasks:    v.GetInt("limits.max_concurrent_tasks"),
		MaxVirtualUsers:       v.GetInt("limits.max_virtual_users"),
		HeartbeatIntervalSecs: v.GetInt("limits.heartbeat_interval_seconds"),

		RetryEnabled:      v.GetBool("retry.enabled"),
		RetryMaxAttempts:  v.GetInt("retry.max_attempts"),
		RetryInitialDelay: time.Duration(v.GetInt("retry.initial_delay_ms")) * time.Millisecond,
		RetryMultiplier:   v.GetFloat64("retry.multiplier"),
		RetryCap:          time.Duration(v.GetInt("retry.cap_ms")) * time.Millisecond,
		RetryJitter:       v.GetFloat64("retry.jitter"),

		BreakerFailureThreshold:    v.GetInt("breaker.failure_threshold"),
		BreakerResetTimeoutSecs:    v.GetInt("breaker.reset_timeout_seconds"),
		BreakerHalfOpenMaxInflight: v.GetInt("breaker.half_open_max_inflight"),

		ReportPeriodMs:        v.GetInt("report.period_ms"),
		ReportBatchSize:       v.GetInt("report.batch_size"),
		ReportRetryQueueDepth: v.GetInt("report.retry_queue_depth"),

		Adaptive: v.GetBool("adaptive.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.task_queue", "loadworker:tasks")
	v.SetDefault("redis.result_queue", "loadworker:results")
	v.SetDefault("redis.heartbeat_key", "loadworker:heartbeat")

	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.connect_timeout_seconds", 5)
	v.SetDefault("http.max_idle_connections", 100)

	v.SetDefault("limits.max_concurrent_tasks", 1)
	v.SetDefault("limits.max_virtual_users", 5000)
	v.SetDefault("limits.heartbeat_interval_seconds", 5)

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 100)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.cap_ms", 5000)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_seconds", 30)
	v.SetDefault("breaker.half_open_max_inflight", 1)

	v.SetDefault("report.period_ms", 1000)
	v.SetDefault("report.batch_size", 0)
	v.SetDefault("report.retry_queue_depth", 8)

	v.SetDefault("adaptive.enabled", false)
}

func (c Config) validate() error {
	switch {
	case c.RedisURL == "":
		return ErrConfigInvalid{"redis.url is required"}
	case c.MaxConcurrentTasks < 1:
		return ErrConfigInvalid{"limits.max_concurrent_tasks must be >= 1"}
	case c.ReportPeriodMs < 1:
		return ErrConfigInvalid{"report.period_ms must be >= 1"}
	case c.RetryMaxAttempts < 1:
		return ErrConfigInvalid{"retry.max_attempts must be >= 1"}
	}
	return nil
}
