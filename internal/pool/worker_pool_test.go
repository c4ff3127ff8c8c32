package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ExecutesTasks(t *testing.T) {
	p := New(context.Background(), Config{Workers: 2, QueueSize: 16})
	defer p.Close()

	var done sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		done.Add(1)
		err := p.Submit(func(ctx context.Context) error {
			defer done.Done()
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	done.Wait()

	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, int64(10), p.Stats().Completed)
}

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	const workers = 3
	p := New(context.Background(), Config{Workers: workers, QueueSize: 64})
	defer p.Close()

	var active, peak atomic.Int32
	var done sync.WaitGroup
	for i := 0; i < 20; i++ {
		done.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer done.Done()
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	}
	done.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestWorkerPool_HighPriorityFirst(t *testing.T) {
	// A single blocked worker lets both queues fill up, then we observe the
	// order work is picked once the worker is released.
	p := New(context.Background(), Config{Workers: 1, QueueSize: 16})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var mu sync.Mutex
	var order []string
	var done sync.WaitGroup
	record := func(label string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			done.Done()
			return nil
		}
	}

	done.Add(4)
	require.NoError(t, p.SubmitLow(record("low1")))
	require.NoError(t, p.SubmitLow(record("low2")))
	require.NoError(t, p.Submit(record("high1")))
	require.NoError(t, p.Submit(record("high2")))

	close(release)
	done.Wait()

	assert.Equal(t, []string{"high1", "high2", "low1", "low2"}, order)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	// One slot in the queue, then rejection.
	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var recovered atomic.Bool
	p := New(context.Background(), Config{
		Workers:      1,
		QueueSize:    4,
		PanicHandler: func(any) { recovered.Store(true) },
	})
	defer p.Close()

	var done sync.WaitGroup
	done.Add(2)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer done.Done()
		panic("boom")
	}))
	// The pool keeps working after a panic.
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer done.Done()
		return nil
	}))
	done.Wait()

	assert.True(t, recovered.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestWorkerPool_ContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, Config{Workers: 2, QueueSize: 4})

	cancel()
	// Close must not hang once the base context is gone.
	doneCh := make(chan struct{})
	go func() {
		p.Close()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not shut down after context cancellation")
	}
}
