// Package dispatch serializes work per thread. Every thread gets its own
// worker; rapid successive events for the same thread are debounced so a
// burst of webhook deliveries produces one run against the latest state.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"daiv/pkg/logx"
)

// queueDepth bounds how many jobs a single thread can have waiting.
const queueDepth = 32

var (
	// ErrClosed is returned by Submit after Shutdown started.
	ErrClosed = errors.New("dispatcher is shut down")
	// ErrQueueFull is returned when a thread's queue is saturated.
	ErrQueueFull = errors.New("thread queue is full")
)

// Job is one unit of thread work. It must honor ctx cancellation.
type Job func(ctx context.Context)

// Dispatcher fans events out to per-thread workers.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Dispatcher struct {
	logger   *logx.Logger
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group

	mu      sync.Mutex
	workers map[string]chan Job
	running map[string]context.CancelFunc
	closed  bool
}

// NewDispatcher creates a dispatcher. debounce is how long a thread's
// worker waits for the event burst to settle before running.
func NewDispatcher(debounce time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(ctx)
	return &Dispatcher{
		logger:   logx.NewLogger("dispatch"),
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		workers:  make(map[string]chan Job),
		running:  make(map[string]context.CancelFunc),
	}
}

// Submit queues a job for the thread's worker, starting the worker on
// first use. Jobs for the same thread never run concurrently.
func (d *Dispatcher) Submit(threadID string, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	ch, ok := d.workers[threadID]
	if !ok {
		ch = make(chan Job, queueDepth)
		d.workers[threadID] = ch
		d.group.Go(func() error {
			d.runWorker(threadID, ch)
			return nil
		})
	}
	d.mu.Unlock()

	select {
	case ch <- job:
		return nil
	default:
		d.logger.Warn("thread %s queue full, dropping event", threadID)
		return ErrQueueFull
	}
}

// runWorker drains one thread's queue. Within the debounce window a newer
// job supersedes the pending one; handlers re-read platform state, so
// running only the latest of a burst is sound.
func (d *Dispatcher) runWorker(threadID string, ch chan Job) {
	for {
		var job Job
		select {
		case <-d.ctx.Done():
			return
		case job = <-ch:
		}

		timer := time.NewTimer(d.debounce)
	settle:
		for {
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case next := <-ch:
				job = next
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(d.debounce)
			case <-timer.C:
				break settle
			}
		}

		d.logger.Debug("thread %s running", threadID)
		jobCtx, cancelJob := context.WithCancel(d.ctx)
		d.mu.Lock()
		d.running[threadID] = cancelJob
		d.mu.Unlock()

		job(jobCtx)

		d.mu.Lock()
		delete(d.running, threadID)
		d.mu.Unlock()
		cancelJob()
	}
}

// Cancel interrupts the thread's in-flight job, if any. The job observes
// the cancellation through its context at its next blocking call. Queued
// jobs are unaffected; they run against the post-cancellation state.
func (d *Dispatcher) Cancel(threadID string) {
	d.mu.Lock()
	cancelJob, ok := d.running[threadID]
	d.mu.Unlock()
	if ok {
		cancelJob()
	}
}

// Shutdown stops accepting jobs, cancels in-flight work, and waits for
// workers to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
