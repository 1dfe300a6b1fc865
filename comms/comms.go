// Package comms carries runtime events (status, debug, error and deploy) to
// editors over a websocket and to other services over NATS.
package comms

import (
	"encoding/json"

	"github.com/c360/nodeflow/node"
)

// Sink receives runtime events.
type Sink interface {
	Publish(ev node.Event)
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Sink

// NewFanout drops nil sinks.
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Publish implements Sink.
func (f Fanout) Publish(ev node.Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// encode renders ev as the {topic, data} frame sent to clients.
func encode(ev node.Event) ([]byte, error) {
	return json.Marshal(ev)
}
