package node

import (
	"context"

	"github.com/c360/nodeflow/credentials"
	"github.com/c360/nodeflow/message"
)

// Behavior is the type-specific part of a node instance. Receive is called
// once per inbound message, never concurrently for the same instance.
type Behavior interface {
	Receive(ctx context.Context, n *Node, msg message.Message) error
}

// Initializer is implemented by behaviors that need set up before the
// first message arrives.
type Initializer interface {
	Init(ctx context.Context, n *Node) error
}

// Closer is implemented by behaviors that hold timers, subscriptions or
// other resources that must be released when the instance stops.
type Closer interface {
	Close(ctx context.Context, n *Node) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, n *Node, msg message.Message) error

// Receive calls f.
func (f BehaviorFunc) Receive(ctx context.Context, n *Node, msg message.Message) error {
	return f(ctx, n, msg)
}

// Factory creates the behavior of one instance from its configuration.
type Factory func(cfg Config) (Behavior, error)

// Definition describes a node type: how to build its behavior and which
// credential fields it declares.
type Definition struct {
	// Type is the node type name used in flow documents, e.g. "inject".
	Type string
	// Factory builds a behavior per instance.
	Factory Factory
	// Credentials declares the secret fields of the type.
	Credentials credentials.Schema
	// MessageTypes lists the message types the type emits or consumes.
	// Informational only.
	MessageTypes []string
}
