// Package runtime implements the Task Runtime lifecycle of spec.md §4.8:
// lease a Job from the external queue, run it to completion, stream its
// results, and idle between jobs, honoring cooperative shutdown and
// reporting liveness on an independent cadence.
package runtime

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"

	"github.com/codahale/loadworker/internal/loadgen"
	"github.com/codahale/loadworker/internal/model"
	"github.com/codahale/loadworker/internal/queue"
)

// TaskSource is the out-of-scope task queue collaborator (spec.md §6).
type TaskSource interface {
	Pop(ctx context.Context) (model.Job, error)
}

// HeartbeatSink is the out-of-scope liveness collaborator (spec.md §6).
type HeartbeatSink interface {
	PutHeartbeat(ctx context.Context, hb queue.Heartbeat) error
}

// Config parameterizes the Runtime's lease and heartbeat cadence.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration // default 500ms-1s range; we use 750ms
	PollJitter         time.Duration // default 250ms
	QueueErrorInterval time.Duration // default 5s
	HeartbeatInterval  time.Duration // default 5s
	MaxConcurrentTasks int           // default 1; bounds concurrently running jobs
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 750 * time.Millisecond
	}
	if cfg.PollJitter <= 0 {
		cfg.PollJitter = 250 * time.Millisecond
	}
	if cfg.QueueErrorInterval <= 0 {
		cfg.QueueErrorInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	return cfg
}

// Runtime drives the lease -> run -> stream -> idle loop.
type Runtime struct {
	cfg       Config
	source    TaskSource
	generator *loadgen.Generator
	sink      loadgen.BatchSink
	heartbeat HeartbeatSink
	log       *logrus.Entry

	activeTasks       int32
	requestsProcessed uint64
	draining          int32
	slots             chan struct{}
	inFlight          sync.WaitGroup
}

// New builds a Runtime. Concurrent job execution is bounded by
// cfg.MaxConcurrentTasks (spec.md §6 limits.max_concurrent_tasks).
func New(cfg Config, source TaskSource, generator *loadgen.Generator, sink loadgen.BatchSink, heartbeat HeartbeatSink, log *logrus.Entry) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:       cfg,
		source:    source,
		generator: generator,
		sink:      sink,
		heartbeat: heartbeat,
		log:       log,
		slots:     make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// Run blocks until ctx is cancelled, leasing and running jobs in turn. On
// cancellation it stops accepting new jobs; any job already running is
// allowed to finish its own drain window (spec.md §4.8) before Run
// returns. With MaxConcurrentTasks=1 (the default) jobs execute strictly
// serially: the next lease cannot reserve a slot until the running job's
// terminal batch has been pushed.
func (rt *Runtime) Run(ctx context.Context) error {
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		rt.heartbeatLoop(ctx)
	}()

	for {
		select {
		case rt.slots <- struct{}{}:
		case <-ctx.Done():
			rt.inFlight.Wait()
			atomic.StoreInt32(&rt.draining, 1)
			<-heartbeatDone
			return nil
		}

		job, err := rt.source.Pop(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			<-rt.slots
			rt.sleep(ctx, jittered(rt.cfg.PollInterval, rt.cfg.PollJitter))
			continue
		case err != nil && isMalformed(err):
			<-rt.slots
			rt.log.WithError(err).Warn("discarding malformed job")
			continue
		case err != nil:
			<-rt.slots
			rt.log.WithError(err).Warn("queue unavailable, backing off")
			rt.sleep(ctx, rt.cfg.QueueErrorInterval)
			continue
		}

		if verr := job.Validate(); verr != nil {
			<-rt.slots
			rt.log.WithError(verr).WithField("job_id", job.JobID).Warn("discarding malformed job")
			continue
		}

		rt.inFlight.Add(1)
		go func(j model.Job) {
			defer rt.inFlight.Done()
			defer func() { <-rt.slots }()
			rt.runJob(ctx, j)
		}(job)
	}
}

func (rt *Runtime) runJob(ctx context.Context, job model.Job) {
	atomic.AddInt32(&rt.activeTasks, 1)
	defer atomic.AddInt32(&rt.activeTasks, -1)

	log := rt.log.WithFields(logrus.Fields{"job_id": job.JobID, "tenant_id": job.TenantID})
	log.Info("job leased")

	batch, err := rt.generator.Run(ctx, job, rt.cfg.WorkerID, rt.sink)
	if err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	atomic.AddUint64(&rt.requestsProcessed, batch.Total)
	log.WithField("total_requests", batch.Total).Info("job complete")
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		rt.beat(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			rt.beatFinal()
			return
		}
	}
}

func (rt *Runtime) beat(ctx context.Context) {
	hb := queue.Heartbeat{
		WorkerID:          rt.cfg.WorkerID,
		RequestsProcessed: atomic.LoadUint64(&rt.requestsProcessed),
		Status:            rt.status(),
		CPUFraction:       rt.cpuFraction(),
		ResidentMemoryMiB: residentMemoryMiB(),
		ActiveTasks:       int(atomic.LoadInt32(&rt.activeTasks)),
	}
	if err := rt.heartbeat.PutHeartbeat(ctx, hb); err != nil {
		rt.log.WithError(err).Warn("heartbeat push failed")
	}
}

func (rt *Runtime) beatFinal() {
	hb := queue.Heartbeat{
		WorkerID:          rt.cfg.WorkerID,
		RequestsProcessed: atomic.LoadUint64(&rt.requestsProcessed),
		Status:            queue.StatusOffline,
		ActiveTasks:       int(atomic.LoadInt32(&rt.activeTasks)),
	}
	// Best-effort; the process is exiting regardless of outcome.
	_ = rt.heartbeat.PutHeartbeat(context.Background(), hb)
}

func (rt *Runtime) status() queue.HeartbeatStatus {
	if atomic.LoadInt32(&rt.draining) == 1 {
		return queue.StatusDraining
	}
	if atomic.LoadInt32(&rt.activeTasks) > 0 {
		return queue.StatusBusy
	}
	return queue.StatusIdle
}

func (rt *Runtime) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	delta := time.Duration(rand.Int63n(int64(jitter)*2)) - jitter
	d := base + delta
	if d < 0 {
		return 0
	}
	return d
}

type malformedError interface{ Malformed() bool }

func isMalformed(err error) bool {
	var m malformedError
	return errors.As(err, &m) && m.Malformed()
}

// residentMemoryMiB is a best-effort process memory gauge for the
// heartbeat payload, via runtime.MemStats.
func residentMemoryMiB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}

// cpuFraction samples the host's CPU utilization since the previous call,
// as a fraction in [0, 1]. It is host-wide rather than per-process since
// gopsutil's cpu.Percent has no cheap per-process equivalent on every
// platform this worker targets; a busy heartbeat interval on an
// otherwise-idle host is a reasonable proxy for this worker's load.
func (rt *Runtime) cpuFraction() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		rt.log.WithError(err).Warn("cpu sample failed")
		return 0
	}
	return percents[0] / 100.0
}
