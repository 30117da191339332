package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJob(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	defer shutdown(t, d)

	done := make(chan struct{})
	require.NoError(t, d.Submit("t1", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSameThreadNeverRunsConcurrently(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	defer shutdown(t, d)

	var active, maxActive int32
	var wg sync.WaitGroup
	job := func(context.Context) {
		defer wg.Done()
		current := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if current <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	// Gaps longer than the debounce window keep both jobs alive.
	wg.Add(2)
	require.NoError(t, d.Submit("t1", job))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Submit("t1", job))
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestDistinctThreadsRunConcurrently(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	defer shutdown(t, d)

	barrier := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	job := func(context.Context) {
		defer wg.Done()
		barrier <- struct{}{}
	}
	require.NoError(t, d.Submit("t1", job))
	require.NoError(t, d.Submit("t2", job))

	// Both workers must reach the barrier; a serialized pair would
	// deadlock the first send until the second job runs.
	for range 2 {
		select {
		case <-barrier:
		case <-time.After(2 * time.Second):
			t.Fatal("threads did not run concurrently")
		}
	}
	wg.Wait()
}

func TestBurstCoalescesToLatestJob(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)
	defer shutdown(t, d)

	var ran atomic.Int32
	var last atomic.Int32
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		n := int32(i)
		require.NoError(t, d.Submit("t1", func(context.Context) {
			ran.Add(1)
			last.Store(n)
			if n == 3 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("latest job never ran")
	}
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int32(3), last.Load())
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	shutdown(t, d)

	err := d.Submit("t1", func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownCancelsRunningJob(t *testing.T) {
	d := NewDispatcher(time.Millisecond)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, d.Submit("t1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	shutdown(t, d)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job never observed cancellation")
	}
}

func TestCancelInterruptsRunningJob(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	defer shutdown(t, d)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, d.Submit("t1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	d.Cancel("t1")
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job never observed cancellation")
	}

	// The worker survives; later jobs run with a fresh context.
	done := make(chan struct{})
	require.NoError(t, d.Submit("t1", func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up job never ran")
	}
}

func TestCancelWithoutRunningJobIsNoop(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	defer shutdown(t, d)
	d.Cancel("unknown")
}

func shutdown(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}
