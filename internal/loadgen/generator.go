// Package loadgen implements the Load Generator orchestrator of spec.md
// §4.6: it ties the rate limiter, circuit breaker, sender, metrics
// collector, and reporter together for a single Job.
//
// Grounded on the teacher's Bench.Run in buster.go — N worker fibers
// started under a WaitGroup, fed from shared collaborators, joined at the
// end — generalized from a fixed concurrency level to a rate-derived,
// capped fiber count per spec.md §4.6 and extended with retry, breaker
// consultation, and a ticking reporter.
package loadgen

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codahale/loadworker/internal/backoff"
	"github.com/codahale/loadworker/internal/breaker"
	"github.com/codahale/loadworker/internal/metrics"
	"github.com/codahale/loadworker/internal/model"
	"github.com/codahale/loadworker/internal/ratelimiter"
	"github.com/codahale/loadworker/internal/sender"
)

// defaultFiberCeiling bounds worker fiber count regardless of how large a
// job's rate or concurrency hint requests, per spec.md §4.6 and §9's open
// question ("implementers should surface the cap as configuration").
const defaultFiberCeiling = 5000

// Config parameterizes a Generator; zero fields take spec.md defaults.
type Config struct {
	ExpectedLatency  time.Duration // used to size fiber count; default 50ms
	FiberCeiling     int           // default 5000
	ReportPeriod     time.Duration // default 1s
	ReportBatchSize  int           // soft early-report trigger; 0 disables it (tick-only)
	DrainWindow      time.Duration // default 2s
	Retry            backoff.Config
	BreakerOpenSleep time.Duration // sleep applied when breaker rejects; default 50ms
	Adaptive         bool
}

func (cfg Config) withDefaults() Config {
	if cfg.ExpectedLatency <= 0 {
		cfg.ExpectedLatency = 50 * time.Millisecond
	}
	if cfg.FiberCeiling <= 0 {
		cfg.FiberCeiling = defaultFiberCeiling
	}
	if cfg.ReportPeriod <= 0 {
		cfg.ReportPeriod = time.Second
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 2 * time.Second
	}
	if cfg.BreakerOpenSleep <= 0 {
		cfg.BreakerOpenSleep = 50 * time.Millisecond
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return cfg
}

// batchSizeCheckInterval is how often reportLoop peeks the in-window count
// against Config.ReportBatchSize when the early trigger is enabled. It is
// capped independently of ReportPeriod so a long period (or one set to
// effectively "never") doesn't also dull the early trigger, with a floor so
// a tiny ReportPeriod doesn't spin.
func batchSizeCheckInterval(period time.Duration) time.Duration {
	d := period / 5
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// BatchSink receives each non-suppressed ResultBatch as it is produced.
type BatchSink interface {
	Push(ctx context.Context, batch model.ResultBatch) error
}

// Generator runs one Job to completion.
type Generator struct {
	cfg      Config
	breakers *breaker.Registry
	sender   *sender.Sender
	adaptive *ratelimiter.AdaptiveController
	log      *logrus.Entry
}

// New builds a Generator sharing the given breaker registry, sender, and
// (optional) process-wide adaptive controller across every job it runs.
func New(cfg Config, breakers *breaker.Registry, snd *sender.Sender, adaptive *ratelimiter.AdaptiveController, log *logrus.Entry) *Generator {
	return &Generator{cfg: cfg.withDefaults(), breakers: breakers, sender: snd, adaptive: adaptive, log: log}
}

// fiberCount derives N per spec.md §4.6: target_rps * expected_latency_s,
// lowered to concurrency_hint when a hint is set and smaller, capped at
// FiberCeiling, floored at 1.
func (g *Generator) fiberCount(j model.Job) int {
	derived := int(float64(j.TargetRPS) * g.cfg.ExpectedLatency.Seconds())
	if derived < 1 {
		derived = 1
	}
	n := derived
	if j.ConcurrencyHint > 0 && j.ConcurrencyHint < n {
		n = j.ConcurrencyHint
	}
	if n > g.cfg.FiberCeiling {
		n = g.cfg.FiberCeiling
	}
	if n < 1 {
		n = 1
	}
	return n
}

func upstreamKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// Run executes job to completion: spawns fiber workers and a reporter,
// streams non-empty batches to sink, and returns the terminal batch.
func (g *Generator) Run(ctx context.Context, job model.Job, workerID string, sink BatchSink) (model.ResultBatch, error) {
	limiter := ratelimiter.New(job.TargetRPS)
	coll := metrics.New()
	br := g.breakers.Get(upstreamKey(job.Target.URL))

	deadline := time.Now().Add(job.Duration)

	var wg sync.WaitGroup
	n := g.fiberCount(job)
	g.log.WithFields(logrus.Fields{"job_id": job.JobID, "fibers": n, "target_rps": job.TargetRPS}).Info("load generator starting")

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.fiber(ctx, job, limiter, br, coll, deadline)
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	reportCtx, stopReport := context.WithCancel(context.Background())
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		g.reportLoop(reportCtx, job, workerID, coll, sink)
	}()

	// Wait for the job's deadline or an external cancellation (shutdown),
	// whichever comes first. The fiber loop itself enforces the deadline;
	// this just bounds how long Run blocks waiting for them to notice.
	timer := time.NewTimer(time.Until(deadline))
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	// Drain: absorb in-flight responses for up to DrainWindow, or return
	// early if every fiber has already finished.
	drainTimer := time.NewTimer(g.cfg.DrainWindow)
	select {
	case <-workersDone:
		drainTimer.Stop()
	case <-drainTimer.C:
	}

	stopReport()
	<-reportDone

	final := coll.SnapshotAndReset()
	batch := toBatch(job, workerID, final, time.Since(final.WindowStart), true)
	if err := sink.Push(context.Background(), batch); err != nil {
		g.log.WithError(err).Warn("failed to push terminal batch")
	}
	return batch, nil
}

// fiber is one worker loop: acquire a token, consult the breaker, send
// with retry, record the outcome. It exits at deadline or cancellation.
func (g *Generator) fiber(ctx context.Context, job model.Job, limiter *ratelimiter.Limiter, br *breaker.Breaker, coll *metrics.Collector, deadline time.Time) {
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		if err := limiter.Acquire(ctx); err != nil {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		if !br.Allow() {
			coll.RecordError(0)
			select {
			case <-time.After(g.cfg.BreakerOpenSleep):
			case <-ctx.Done():
				return
			}
			continue
		}

		outcome, err := g.sendWithRetry(ctx, job.Target)
		if err != nil {
			// cancelled mid-retry; do not record, simply exit.
			return
		}

		if outcome.Success() {
			br.RecordSuccess()
			coll.RecordSuccess(outcome.LatencyUs)
		} else {
			br.RecordFailure()
			coll.RecordError(outcome.LatencyUs)
		}

		if g.cfg.Adaptive && g.adaptive != nil {
			g.adaptive.Adjust(float64(outcome.LatencyUs) / 1000.0)
		}
	}
}

// sendWithRetry applies §4.2/§4.6's retry policy: up to Retry.MaxAttempts
// attempts, retrying only transport failures and 5xx, never 4xx.
func (g *Generator) sendWithRetry(ctx context.Context, tgt model.Target) (model.Outcome, error) {
	var last model.Outcome
	err := backoff.Retry(ctx, g.cfg.Retry, func(attempt int) error {
		last = g.sender.Send(context.Background(), tgt)
		if !last.Retryable() {
			return nil
		}
		return retryableErr{}
	}, func(err error) bool {
		_, ok := err.(retryableErr)
		return ok
	})
	if err == backoff.ErrCancelled {
		return last, err
	}
	return last, nil
}

type retryableErr struct{}

func (retryableErr) Error() string { return "retryable outcome" }

// reportLoop wakes every cfg.ReportPeriod, snapshots+resets metrics, and
// pushes a non-empty ResultBatch to sink. If cfg.ReportBatchSize is set, it
// also peeks the in-window count on a finer interval and reports early the
// moment that count is reached, restarting the period ticker so the next
// tick-driven report doesn't immediately follow it. It runs until ctx is
// done.
func (g *Generator) reportLoop(ctx context.Context, job model.Job, workerID string, coll *metrics.Collector, sink BatchSink) {
	ticker := time.NewTicker(g.cfg.ReportPeriod)
	defer ticker.Stop()

	var checkC <-chan time.Time
	if g.cfg.ReportBatchSize > 0 {
		checkTicker := time.NewTicker(batchSizeCheckInterval(g.cfg.ReportPeriod))
		defer checkTicker.Stop()
		checkC = checkTicker.C
	}

	flush := func() {
		s := coll.SnapshotAndReset()
		if s.Count == 0 {
			return
		}
		batch := toBatch(job, workerID, s, time.Since(s.WindowStart), false)
		if err := sink.Push(context.Background(), batch); err != nil {
			g.log.WithError(err).Warn("result batch push failed, will retry next tick")
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-checkC:
			if coll.Snapshot().Count >= uint64(g.cfg.ReportBatchSize) {
				flush()
				ticker.Reset(g.cfg.ReportPeriod)
			}
		case <-ctx.Done():
			return
		}
	}
}

func toBatch(job model.Job, workerID string, s metrics.Summary, period time.Duration, terminal bool) model.ResultBatch {
	now := time.Now().UTC()
	windowSeconds := period.Seconds()
	var actualRPS float64
	if windowSeconds > 0 {
		actualRPS = float64(s.Total()) / windowSeconds
	}
	return model.ResultBatch{
		JobID:          job.JobID,
		WorkerID:       workerID,
		WindowStartUTC: s.WindowStart.UTC(),
		WindowEndUTC:   now,
		Total:          s.Total(),
		Success:        s.Success,
		Error:          s.Error,
		MeanMs:         s.Mean,
		P50Ms:          s.P50,
		P90Ms:          s.P90,
		P95Ms:          s.P95,
		P99Ms:          s.P99,
		MaxMs:          float64(s.Max) / 1000.0,
		ActualRPS:      actualRPS,
		Terminal:       terminal,
	}
}
