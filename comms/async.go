package comms

import (
	"context"
	"log/slog"

	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/node"
	"github.com/c360/nodeflow/pkg/worker"
)

// AsyncQueueSize bounds the events waiting for a slow sink.
const AsyncQueueSize = 4096

// Async moves publishing to a background worker so that a slow sink never
// stalls the node that raised the event. Events keep their order; when the
// queue is full new events are dropped.
type Async struct {
	pool   *worker.Pool[node.Event]
	logger *slog.Logger
}

// NewAsync wraps sink. A non-nil registry exposes the queue metrics under
// name.
func NewAsync(sink Sink, name string, registry *metric.MetricsRegistry, logger *slog.Logger) (*Async, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []worker.Option[node.Event]
	if registry != nil {
		opts = append(opts, worker.WithMetrics[node.Event](registry, name))
	}
	pool, err := worker.NewPool(1, AsyncQueueSize, func(_ context.Context, ev node.Event) error {
		sink.Publish(ev)
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &Async{pool: pool, logger: logger.With("component", "comms-async", "sink", name)}, nil
}

// Start launches the background worker.
func (a *Async) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Publish implements Sink.
func (a *Async) Publish(ev node.Event) {
	if err := a.pool.Submit(ev); err != nil {
		a.logger.Debug("Dropped event", "topic", ev.Topic, "error", err)
	}
}

// Stop delivers the queued events, giving up when ctx ends.
func (a *Async) Stop(ctx context.Context) error {
	return a.pool.Stop(ctx)
}

// Stats reports the queue counters.
func (a *Async) Stats() worker.Stats {
	return a.pool.Stats()
}
