package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcache/agentcache/pkg/observability"
)

// asyncWriter runs fire-and-forget jobs (metadata touches, counter
// increments, L3 upserts) on a bounded worker pool. When the queue is
// full the job is dropped and counted; these writes are best-effort and
// idempotent on retry.
type asyncWriter struct {
	jobs    chan job
	wg      sync.WaitGroup
	logger  observability.Logger
	metrics observability.MetricsClient
	timeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

func newAsyncWriter(workers, queueSize int, timeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *asyncWriter {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	w := &asyncWriter{
		jobs:    make(chan job, queueSize),
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *asyncWriter) run() {
	defer w.wg.Done()
	for j := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := j.fn(ctx); err != nil {
			w.logger.Debug("Async write failed", map[string]interface{}{
				"job":   j.name,
				"error": err.Error(),
			})
			w.metrics.IncrementCounterWithLabels("cache_async_write_failures_total", 1, map[string]string{
				"job": j.name,
			})
		}
		cancel()
	}
}

// submit enqueues a job without blocking. Dropped jobs are counted.
// Jobs submitted after Close are dropped.
func (w *asyncWriter) submit(name string, fn func(ctx context.Context) error) {
	if w.closed.Load() {
		return
	}
	select {
	case w.jobs <- job{name: name, fn: fn}:
	default:
		w.metrics.IncrementCounterWithLabels("cache_async_write_dropped_total", 1, map[string]string{
			"job": name,
		})
	}
}

// Close stops accepting jobs and drains the queue
func (w *asyncWriter) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.jobs)
	})
	w.wg.Wait()
}
