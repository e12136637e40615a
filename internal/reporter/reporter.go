// Package reporter implements the batched result emission path of
// spec.md §4.7: a bounded retry queue in front of the external result
// sink, so a transient sink failure never blocks the reporting tick or
// loses the in-progress window, while a persistent failure drops the
// oldest queued batch under a monotonically increasing counter rather
// than growing without bound.
package reporter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/codahale/loadworker/internal/model"
)

// Sink is the external result sink collaborator (spec.md §6).
type Sink interface {
	PushResult(ctx context.Context, batch model.ResultBatch) error
}

const defaultQueueCapacity = 8

// Reporter adapts a Sink into loadgen's BatchSink, queuing batches that
// fail to push immediately and retrying them ahead of the next tick's
// batch, in window order.
type Reporter struct {
	sink     Sink
	capacity int
	log      *logrus.Entry

	mu      sync.Mutex
	queue   []model.ResultBatch
	dropped uint64
}

// New wraps sink with a retry queue of the given capacity (0 uses the
// default of 8 windows).
func New(sink Sink, capacity int, log *logrus.Entry) *Reporter {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Reporter{sink: sink, capacity: capacity, log: log}
}

// Push attempts to flush any queued batches and then batch itself, in
// order. A failure at any point queues the remaining batches (including
// batch) for the next call; if the queue is already at capacity the
// oldest entry is dropped and Dropped is incremented.
func (r *Reporter) Push(ctx context.Context, batch model.ResultBatch) error {
	r.mu.Lock()
	pending := append(r.queue, batch)
	r.queue = nil
	r.mu.Unlock()

	var firstErr error
	for i, b := range pending {
		if err := r.sink.PushResult(ctx, b); err != nil {
			firstErr = err
			r.requeue(pending[i:])
			break
		}
	}
	return firstErr
}

// requeue stores unsent batches for the next tick, dropping the oldest
// entries first if that would exceed capacity.
func (r *Reporter) requeue(unsent []model.ResultBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, unsent...)
	overflow := len(r.queue) - r.capacity
	if overflow > 0 {
		atomic.AddUint64(&r.dropped, uint64(overflow))
		r.queue = r.queue[overflow:]
		if r.log != nil {
			r.log.WithField("dropped_total", atomic.LoadUint64(&r.dropped)).
				Warn("result batch queue full, dropped oldest window")
		}
	}
}

// Dropped returns the cumulative number of batches dropped due to a
// persistently failing sink.
func (r *Reporter) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}
