package nodes

import (
	"context"

	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// debug publishes what it receives as debug events and optionally logs it.
type debug struct {
	active   bool
	complete string
	console  bool
	sidebar  bool
}

func newDebug(cfg node.Config) (node.Behavior, error) {
	complete := cfg.String("complete", message.KeyPayload)
	if complete == "" || complete == "false" {
		complete = message.KeyPayload
	}
	return &debug{
		active:   cfg.Bool("active", true),
		complete: complete,
		console:  cfg.Bool("console", false),
		sidebar:  cfg.Bool("tosidebar", true),
	}, nil
}

func (d *debug) Receive(_ context.Context, n *node.Node, msg message.Message) error {
	if !d.active {
		return nil
	}

	property := d.complete
	var value any
	if property == "true" {
		property = "msg"
		value = msg.Clone()
	} else {
		value, _ = msg.Get(property)
	}

	if d.console {
		n.Logger().Info("Debug message", "property", property, "value", value, "msgid", msg.ID())
	}
	if d.sidebar {
		n.Emit(node.TopicDebug, map[string]any{
			"id":       n.ID(),
			"name":     n.Name(),
			"z":        n.FlowID(),
			"topic":    msg.Topic(),
			"property": property,
			"msg":      value,
			"_msgid":   msg.ID(),
		})
	}
	return nil
}
