package comms

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/node"
)

// Publisher is the part of natsclient.Client used to publish events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DefaultSubjectPrefix is the subject prefix of published events.
const DefaultSubjectPrefix = "nodeflow.events"

const publishTimeout = 2 * time.Second

// NATSPublisher publishes each event on <prefix>.<topic>.
type NATSPublisher struct {
	client  Publisher
	prefix  string
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewNATSPublisher creates a publisher. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSPublisher(client Publisher, prefix string, logger *slog.Logger, metrics *metric.Metrics) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "comms-nats"),
		metrics: metrics,
	}
}

// Subject returns the subject events of topic are published on.
func (p *NATSPublisher) Subject(topic string) string {
	return p.prefix + "." + topic
}

// Publish implements Sink. Failures are logged and counted.
func (p *NATSPublisher) Publish(ev node.Event) {
	frame, err := encode(ev)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = p.client.Publish(ctx, p.Subject(ev.Topic), frame)
		cancel()
	}
	p.metrics.RecordEvent("nats", ev.Topic, err)
	if err != nil {
		p.logger.Warn("Failed to publish event", "topic", ev.Topic, "error", err)
	}
}
