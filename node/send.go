package node

import (
	"github.com/c360/nodeflow/message"
)

// Send sends msg on output port 0.
func (n *Node) Send(msg message.Message) {
	n.SendPort(0, msg)
}

// SendPort sends each message, in order, to every instance wired from port.
func (n *Node) SendPort(port int, msgs ...message.Message) {
	if port < 0 || port >= len(n.cfg.Wires) {
		return
	}
	targets := n.cfg.Wires[port]
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		msg.EnsureID()
		for _, target := range targets {
			n.router.Deliver(n, target, msg.Clone())
		}
	}
}

// SendAll sends outputs[i] on port i. A nil or empty entry sends nothing on
// that port.
func (n *Node) SendAll(outputs [][]message.Message) {
	for port, msgs := range outputs {
		if len(msgs) == 0 {
			continue
		}
		n.SendPort(port, msgs...)
	}
}

// SendTo delivers a copy of msg straight to the instance with id target,
// bypassing the wiring. It reports whether the target accepted it.
func (n *Node) SendTo(target string, msg message.Message) bool {
	if msg == nil {
		return false
	}
	msg.EnsureID()
	return n.router.Deliver(n, target, msg.Clone())
}
