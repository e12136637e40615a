package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/codahale/loadworker/internal/model"
	"github.com/codahale/loadworker/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.New(queue.Config{
		URL:             "redis://" + mr.Addr(),
		TaskQueueKey:    "tasks",
		ResultQueueKey:  "results",
		HeartbeatPrefix: "heartbeat",
		HeartbeatTTL:    time.Minute,
	})
	require.NoError(t, err)
	return q, mr
}

func TestPopEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Pop(context.Background())
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPopRoundTrip(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Lpush("tasks", `{
		"task_id": "t-1",
		"execution_id": "e-1",
		"target_url": "http://example.com/",
		"method": "GET",
		"headers": {"X-Test": "1"},
		"rps": 50,
		"duration_seconds": 10,
		"org_id": "org-1"
	}`)

	job, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t-1", job.JobID)
	require.Equal(t, "org-1", job.TenantID)
	require.Equal(t, 50, job.TargetRPS)
	require.Equal(t, 10*time.Second, job.Duration)
	require.Equal(t, model.MethodGET, job.Target.Method)
}

func TestPopMalformedPayload(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Lpush("tasks", "not json")

	_, err := q.Pop(context.Background())
	require.Error(t, err)
	var malformed *queue.MalformedJobError
	require.ErrorAs(t, err, &malformed)
}

func TestPushResultAndHeartbeat(t *testing.T) {
	q, mr := newTestQueue(t)

	batch := model.ResultBatch{JobID: "t-1", WorkerID: "w-1", Success: 3, Total: 4}
	require.NoError(t, q.PushResult(context.Background(), batch))

	items, err := mr.List("results")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0], `"task_id":"t-1"`)

	require.NoError(t, q.PutHeartbeat(context.Background(), queue.Heartbeat{
		WorkerID: "w-1",
		Status:   queue.StatusBusy,
	}))
	require.True(t, mr.Exists("heartbeat:w-1"))
	ttl := mr.TTL("heartbeat:w-1")
	require.Greater(t, ttl, time.Duration(0))
}
