// Package queue implements the three external collaborators spec.md §6
// treats as out-of-scope interface contracts, backed by Redis: the task
// source (pop), result sink (push), and heartbeat sink (put). Grounded on
// the go-redis/v9 usage in the example pack's queue-backed services
// (ehsanshojaeiiii-sms-gateway, yungbote-neurobridge-backend).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codahale/loadworker/internal/model"
)

// wireJob mirrors spec.md §6's task source JSON schema exactly.
type wireJob struct {
	TaskID          string            `json:"task_id"`
	ExecutionID     string            `json:"execution_id"`
	TargetURL       string            `json:"target_url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	RPS             int               `json:"rps"`
	DurationSeconds int               `json:"duration_seconds"`
	OrgID           string            `json:"org_id"`
}

// wireResultBatch mirrors spec.md §6's result sink JSON schema exactly.
type wireResultBatch struct {
	TaskID        string  `json:"task_id"`
	WorkerID      string  `json:"worker_id"`
	Timestamp     string  `json:"timestamp"`
	Success       bool    `json:"success"`
	TotalRequests uint64  `json:"total_requests"`
	SuccessCount  uint64  `json:"success_count"`
	ErrorCount    uint64  `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	ActualRPS     float64 `json:"actual_rps"`
	ErrorMsg      string  `json:"error_msg,omitempty"`
}

// HeartbeatStatus is one of the four statuses spec.md §6 names.
type HeartbeatStatus string

const (
	StatusIdle     HeartbeatStatus = "Idle"
	StatusBusy     HeartbeatStatus = "Busy"
	StatusDraining HeartbeatStatus = "Draining"
	StatusOffline  HeartbeatStatus = "Offline"
)

// Heartbeat is the liveness record written by the task runtime.
type Heartbeat struct {
	WorkerID          string          `json:"worker_id"`
	RequestsProcessed uint64          `json:"requests_processed"`
	Status            HeartbeatStatus `json:"status"`
	CPUFraction       float64         `json:"cpu_fraction"`
	ResidentMemoryMiB float64         `json:"resident_memory_mib"`
	ActiveTasks       int             `json:"active_tasks"`
}

// ErrEmpty is returned by TaskSource.Pop when the queue has no job ready.
var ErrEmpty = errors.New("queue: empty")

// MalformedJobError wraps a payload that popped successfully but failed to
// parse as a wireJob, so callers can distinguish "discard and continue"
// from a transport failure that should trigger backoff (spec.md §7).
type MalformedJobError struct{ cause error }

func (e *MalformedJobError) Error() string { return "queue: malformed job: " + e.cause.Error() }
func (e *MalformedJobError) Unwrap() error { return e.cause }
func (e *MalformedJobError) Malformed() bool { return true }

// RedisQueue implements the task source, result sink, and heartbeat sink
// atop a single Redis client, per spec.md §6's configuration surface
// (redis.url, redis.task_queue, redis.result_queue, redis.heartbeat_key).
type RedisQueue struct {
	client           *redis.Client
	taskQueueKey     string
	resultQueueKey   string
	heartbeatPrefix  string
	heartbeatTTL     time.Duration
}

// Config binds the redis.* configuration options.
type Config struct {
	URL             string
	TaskQueueKey    string
	ResultQueueKey  string
	HeartbeatPrefix string
	HeartbeatTTL    time.Duration
}

// New connects to Redis per cfg.URL (a redis:// URL parsed with
// redis.ParseURL, as go-redis recommends).
func New(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisQueue{
		client:          redis.NewClient(opts),
		taskQueueKey:    cfg.TaskQueueKey,
		resultQueueKey:  cfg.ResultQueueKey,
		heartbeatPrefix: cfg.HeartbeatPrefix,
		heartbeatTTL:    ttl,
	}, nil
}

// Pop returns the next leased Job, ErrEmpty if none is ready, or a
// JobMalformed-classified error if the popped payload does not parse.
// Pop is destructive; redelivery is the controller's responsibility
// (spec.md §6).
func (q *RedisQueue) Pop(ctx context.Context) (model.Job, error) {
	raw, err := q.client.RPop(ctx, q.taskQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.Job{}, ErrEmpty
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("queue: pop: %w", err)
	}

	var wj wireJob
	if err := json.Unmarshal([]byte(raw), &wj); err != nil {
		return model.Job{}, &MalformedJobError{cause: err}
	}

	job := model.Job{
		JobID:    wj.TaskID,
		TenantID: wj.OrgID,
		Target: model.Target{
			URL:     wj.TargetURL,
			Method:  model.Method(wj.Method),
			Headers: wj.Headers,
			Body:    []byte(wj.Body),
		},
		TargetRPS: wj.RPS,
		Duration:  time.Duration(wj.DurationSeconds) * time.Second,
	}
	return job, nil
}

// PushResult encodes batch per spec.md §6's result sink schema and
// LPUSHes it onto the result queue.
func (q *RedisQueue) PushResult(ctx context.Context, batch model.ResultBatch) error {
	wb := wireResultBatch{
		TaskID:        batch.JobID,
		WorkerID:      batch.WorkerID,
		Timestamp:     batch.WindowEndUTC.Format(time.RFC3339),
		Success:       batch.Success > 0,
		TotalRequests: batch.Total,
		SuccessCount:  batch.Success,
		ErrorCount:    batch.Error,
		AvgLatencyMs:  batch.MeanMs,
		P50LatencyMs:  batch.P50Ms,
		P90LatencyMs:  batch.P90Ms,
		P95LatencyMs:  batch.P95Ms,
		P99LatencyMs:  batch.P99Ms,
		MaxLatencyMs:  batch.MaxMs,
		ActualRPS:     batch.ActualRPS,
		ErrorMsg:      batch.ErrorMsg,
	}
	payload, err := json.Marshal(wb)
	if err != nil {
		return fmt.Errorf("queue: encode result batch: %w", err)
	}
	if err := q.client.LPush(ctx, q.resultQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("queue: push result: %w", err)
	}
	return nil
}

// PutHeartbeat writes hb under {heartbeat_prefix}:{worker_id} with the
// configured TTL, per spec.md §6.
func (q *RedisQueue) PutHeartbeat(ctx context.Context, hb Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("queue: encode heartbeat: %w", err)
	}
	key := fmt.Sprintf("%s:%s", q.heartbeatPrefix, hb.WorkerID)
	if err := q.client.Set(ctx, key, payload, q.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("queue: put heartbeat: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
