// Package worker runs submitted items through a fixed set of goroutines
// fed by a bounded queue. Submit never blocks: a full queue drops the item.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/metric"
)

// Pool lifecycle and queue errors
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
)

// Defaults applied to non-positive sizes
const (
	DefaultWorkers   = 1
	DefaultQueueSize = 1024
)

// Stats is a snapshot of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

type poolMetrics struct {
	depth     prometheus.Gauge
	processed *prometheus.CounterVec
	dropped   prometheus.Counter
	duration  prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool metrics, prefixed with name, on registry.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.name = name
	}
}

// Pool processes items of type T. A pool with one worker processes items in
// submission order.
type Pool[T any] struct {
	workers int
	process func(context.Context, T) error
	queue   chan T

	registry *metric.MetricsRegistry
	name     string
	metrics  *poolMetrics

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool running process on workers goroutines.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if process == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pool", "New", "validate processor")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool[T]{
		workers: workers,
		process: process,
		queue:   make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.name != "" {
		m, err := newPoolMetrics(p.registry, p.name)
		if err != nil {
			return nil, errors.Wrap(err, "Pool", "New", "register metrics")
		}
		p.metrics = m
	}
	return p, nil
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	m := &poolMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflow", Subsystem: name, Name: "queue_depth",
			Help: "Items waiting in the worker queue",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeflow", Subsystem: name, Name: "processed_total",
			Help: "Items processed by status",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeflow", Subsystem: name, Name: "dropped_total",
			Help: "Items dropped because the queue was full",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nodeflow", Subsystem: name, Name: "processing_duration_seconds",
			Help:    "Time spent processing one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
	}
	if err := registry.RegisterGauge(name, "queue_depth", m.depth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(name, "processed_total", m.processed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(name, "processing_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the workers. Cancelling ctx stops them without draining
// the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(ErrPoolAlreadyStarted, "Pool", "Start", "check state")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Submit queues item. It fails with ErrQueueFull instead of blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.depth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it. When ctx
// ends first the workers are cancelled and the remaining items are lost.
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.WrapTransient(ctx.Err(), "Pool", "Stop", "drain queue")
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.process(ctx, item)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			if p.metrics != nil {
				status := "success"
				if err != nil {
					status = "error"
				}
				p.metrics.processed.WithLabelValues(status).Inc()
				p.metrics.duration.Observe(time.Since(start).Seconds())
				p.metrics.depth.Set(float64(len(p.queue)))
			}
		}
	}
}
