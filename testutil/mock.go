// Package testutil provides node behaviors, storage and event sinks that
// record what the runtime does to them, plus a builder for flow documents.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// Recorder counts lifecycle calls of every instance built from its
// definitions. By default a recorded instance forwards each message on
// port 0 after recording it.
type Recorder struct {
	mu       sync.Mutex
	inits    map[string]int
	closes   map[string]int
	received map[string][]message.Message

	// OnInit, OnReceive and OnClose override the default hooks. They may be
	// set before the instance starts.
	OnInit    func(n *node.Node) error
	OnReceive func(ctx context.Context, n *node.Node, msg message.Message) error
	OnClose   func(n *node.Node) error
}

// NewRecorder creates a recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		inits:    make(map[string]int),
		closes:   make(map[string]int),
		received: make(map[string][]message.Message),
	}
}

// Definition returns a node type named typeName whose instances report to r.
func (r *Recorder) Definition(typeName string) node.Definition {
	return node.Definition{
		Type: typeName,
		Factory: func(node.Config) (node.Behavior, error) {
			return &recorded{r: r}, nil
		},
	}
}

// Inits returns how many times the Init hook of instance id ran.
func (r *Recorder) Inits(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits[id]
}

// Closes returns how many times the Close hook of instance id ran.
func (r *Recorder) Closes(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[id]
}

// TotalInits returns the Init count over all instances.
func (r *Recorder) TotalInits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, c := range r.inits {
		total += c
	}
	return total
}

// TotalCloses returns the Close count over all instances.
func (r *Recorder) TotalCloses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, c := range r.closes {
		total += c
	}
	return total
}

// Received returns copies of the messages instance id received.
func (r *Recorder) Received(id string) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Message, len(r.received[id]))
	for i, msg := range r.received[id] {
		out[i] = msg.Clone()
	}
	return out
}

// WaitReceived waits until instance id received at least count messages
// and returns them.
func (r *Recorder) WaitReceived(t *testing.T, id string, count int, timeout time.Duration) []message.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msgs := r.Received(id)
		if len(msgs) >= count {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d messages at %s (got %d)", count, id, len(msgs))
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recorded struct {
	r *Recorder
}

func (b *recorded) Init(_ context.Context, n *node.Node) error {
	b.r.mu.Lock()
	b.r.inits[n.ID()]++
	hook := b.r.OnInit
	b.r.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (b *recorded) Receive(ctx context.Context, n *node.Node, msg message.Message) error {
	b.r.mu.Lock()
	b.r.received[n.ID()] = append(b.r.received[n.ID()], msg.Clone())
	hook := b.r.OnReceive
	b.r.mu.Unlock()
	if hook != nil {
		return hook(ctx, n, msg)
	}
	n.Send(msg)
	return nil
}

func (b *recorded) Close(_ context.Context, n *node.Node) error {
	b.r.mu.Lock()
	b.r.closes[n.ID()]++
	hook := b.r.OnClose
	b.r.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

// EventRecorder is an event sink that keeps every event.
type EventRecorder struct {
	mu     sync.Mutex
	events []node.Event
}

// Publish records ev.
func (e *EventRecorder) Publish(ev node.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Events returns the recorded events with topic, or all events when topic
// is "".
func (e *EventRecorder) Events(topic string) []node.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []node.Event
	for _, ev := range e.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
