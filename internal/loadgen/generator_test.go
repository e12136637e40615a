package loadgen_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/codahale/loadworker/internal/backoff"
	"github.com/codahale/loadworker/internal/breaker"
	"github.com/codahale/loadworker/internal/loadgen"
	"github.com/codahale/loadworker/internal/model"
	"github.com/codahale/loadworker/internal/sender"
)

type fakeSink struct {
	mu      sync.Mutex
	batches []model.ResultBatch
}

func (f *fakeSink) Push(_ context.Context, b model.ResultBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeSink) all() []model.ResultBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ResultBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func newTestGenerator(t *testing.T) (*loadgen.Generator, *fakeSink) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	snd := sender.New(sender.NewHTTPClient(2*time.Second, time.Second, 10))
	gen := loadgen.New(loadgen.Config{
		ReportPeriod: 50 * time.Millisecond,
		DrainWindow:  100 * time.Millisecond,
		Retry:        backoff.Config{MaxAttempts: 2, Base: 5 * time.Millisecond},
	}, breaker.NewRegistry(breaker.Config{}), snd, nil, entry)

	return gen, &fakeSink{}
}

func TestRunProducesTerminalBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gen, sink := newTestGenerator(t)
	job := model.Job{
		JobID:     "job-1",
		TargetRPS: 20,
		Duration:  200 * time.Millisecond,
		Target:    model.Target{URL: srv.URL, Method: model.MethodGET},
	}

	batch, err := gen.Run(context.Background(), job, "worker-1", sink)
	require.NoError(t, err)
	require.True(t, batch.Terminal)

	batches := sink.all()
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	require.True(t, last.Terminal)
	require.Equal(t, "job-1", last.JobID)
}

func TestRunReportsEarlyOnBatchSizeThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	snd := sender.New(sender.NewHTTPClient(2*time.Second, time.Second, 10))
	gen := loadgen.New(loadgen.Config{
		ReportPeriod:    time.Hour, // must not be what produces the early batch
		ReportBatchSize: 3,
		DrainWindow:     100 * time.Millisecond,
		Retry:           backoff.Config{MaxAttempts: 1},
	}, breaker.NewRegistry(breaker.Config{}), snd, nil, entry)

	sink := &fakeSink{}
	job := model.Job{
		JobID:     "job-3",
		TargetRPS: 50,
		Duration:  300 * time.Millisecond,
		Target:    model.Target{URL: srv.URL, Method: model.MethodGET},
	}

	_, err := gen.Run(context.Background(), job, "worker-1", sink)
	require.NoError(t, err)

	batches := sink.all()
	require.Greater(t, len(batches), 1, "the batch-size trigger should have produced at least one non-terminal report before the terminal one")
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n%2 == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gen, sink := newTestGenerator(t)
	job := model.Job{
		JobID:     "job-2",
		TargetRPS: 5,
		Duration:  150 * time.Millisecond,
		Target:    model.Target{URL: srv.URL, Method: model.MethodGET},
	}

	_, err := gen.Run(context.Background(), job, "worker-1", sink)
	require.NoError(t, err)

	batches := sink.all()
	require.NotEmpty(t, batches)
	var totalSuccess uint64
	for _, b := range batches {
		totalSuccess += b.Success
	}
	require.Greater(t, totalSuccess, uint64(0))
}
