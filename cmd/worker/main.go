// Command worker is the load worker's process entrypoint: a single
// long-running process that leases jobs and drives load until a
// termination signal arrives, per spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codahale/loadworker/internal/backoff"
	"github.com/codahale/loadworker/internal/breaker"
	"github.com/codahale/loadworker/internal/config"
	"github.com/codahale/loadworker/internal/loadgen"
	"github.com/codahale/loadworker/internal/logging"
	"github.com/codahale/loadworker/internal/queue"
	"github.com/codahale/loadworker/internal/ratelimiter"
	"github.com/codahale/loadworker/internal/reporter"
	"github.com/codahale/loadworker/internal/runtime"
	"github.com/codahale/loadworker/internal/sender"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:   "worker",
		Short: "Load worker: leases and executes HTTP load-test jobs",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the worker process until a termination signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, logLevel)
		},
	}
	run.Flags().StringVar(&configPath, "config", "", "path to a config file (optional; env vars also apply)")
	run.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(run)
	return root
}

func runWorker(configPath, logLevel string) error {
	log := logging.New(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return err
	}
	entry := log.WithField("worker_id", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rq, err := queue.New(queue.Config{
		URL:             cfg.RedisURL,
		TaskQueueKey:    cfg.RedisTaskQueue,
		ResultQueueKey:  cfg.RedisResultQueue,
		HeartbeatPrefix: cfg.RedisHeartbeatKey,
	})
	if err != nil {
		entry.WithError(err).Error("failed to connect to redis")
		return err
	}
	defer rq.Close()

	client := sender.NewHTTPClient(cfg.HTTPTimeout, cfg.HTTPConnectTimeout, cfg.HTTPMaxIdleConnections)
	snd := sender.New(client)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		ResetTimeout:        time.Duration(cfg.BreakerResetTimeoutSecs) * time.Second,
		HalfOpenMaxInflight: cfg.BreakerHalfOpenMaxInflight,
	})

	adaptive := ratelimiter.NewAdaptiveController(cfg.MaxVirtualUsers)

	rep := reporter.New(rq, cfg.ReportRetryQueueDepth, entry)

	maxAttempts := 1
	if cfg.RetryEnabled {
		maxAttempts = cfg.RetryMaxAttempts
	}
	gen := loadgen.New(loadgen.Config{
		ReportPeriod:    time.Duration(cfg.ReportPeriodMs) * time.Millisecond,
		ReportBatchSize: cfg.ReportBatchSize,
		Adaptive:        cfg.Adaptive,
		Retry: backoff.Config{
			Base:        cfg.RetryInitialDelay,
			Multiplier:  cfg.RetryMultiplier,
			Cap:         cfg.RetryCap,
			Jitter:      cfg.RetryJitter,
			MaxAttempts: maxAttempts,
		},
	}, breakers, snd, adaptive, entry)

	rt := runtime.New(runtime.Config{
		WorkerID:           cfg.WorkerID,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalSecs) * time.Second,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	}, rq, gen, rep, rq, entry)

	entry.Info("worker starting")
	if err := rt.Run(ctx); err != nil {
		entry.WithError(err).Error("worker exited with error")
		return err
	}
	entry.Info("worker shut down cleanly")
	return nil
}

