package metrics_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codahale/loadworker/internal/metrics"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := metrics.New()
	c.RecordSuccess(1000)
	c.RecordSuccess(2000)
	c.RecordError(5000)
	c.RecordError(0)

	s := c.Snapshot()
	require.EqualValues(t, 4, s.Count)
	require.EqualValues(t, 2, s.Success)
	require.EqualValues(t, 2, s.Error)
	assert.True(t, s.P50 <= s.P90)
	assert.True(t, s.P90 <= s.P95)
	assert.True(t, s.P95 <= s.P99)
	assert.True(t, s.Mean >= 0)
}

func TestEmptyWindowHasZeroLatencies(t *testing.T) {
	c := metrics.New()
	s := c.Snapshot()
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Mean)
	assert.Zero(t, s.P99)
}

func TestResetStartsFreshWindow(t *testing.T) {
	c := metrics.New()
	c.RecordSuccess(1000)
	before := c.SnapshotAndReset()
	require.EqualValues(t, 1, before.Count)

	after := c.Snapshot()
	assert.Zero(t, after.Count, "a reset window must not see samples from before the reset")
}

// TestSnapshotResetIsAtomic recreates concurrent recorders racing a single
// SnapshotAndReset and checks no sample is ever double-counted across the
// boundary: the sum of every window's count must equal the number of
// RecordSuccess calls made.
func TestSnapshotResetIsAtomic(t *testing.T) {
	c := metrics.New()
	const recorders = 8
	const perRecorder = 500

	var wg sync.WaitGroup
	wg.Add(recorders)
	for i := 0; i < recorders; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perRecorder; j++ {
				c.RecordSuccess(uint64(j + 1))
			}
		}()
	}

	var total uint64
	var mu sync.Mutex
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				s := c.SnapshotAndReset()
				mu.Lock()
				total += s.Count
				mu.Unlock()
			}
		}
	}()

	wg.Wait()
	close(done)
	<-stopped
	final := c.SnapshotAndReset()

	mu.Lock()
	total += final.Count
	mu.Unlock()

	assert.EqualValues(t, recorders*perRecorder, total)
}
