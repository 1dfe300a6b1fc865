package nodes

import (
	"context"

	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// passThrough forwards every message on port 0. Catch, status and link in
// nodes only differ in how messages reach them.
type passThrough struct{}

func newPassThrough(node.Config) (node.Behavior, error) {
	return passThrough{}, nil
}

func (passThrough) Receive(_ context.Context, n *node.Node, msg message.Message) error {
	n.Send(msg)
	return nil
}
