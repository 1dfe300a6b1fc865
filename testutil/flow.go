package testutil

import (
	"strconv"

	"github.com/c360/nodeflow/flowstore"
)

// FlowBuilder builds flow documents for tests.
type FlowBuilder struct {
	nodes []flowstore.ConfiguredNode
	tab   string
}

// NewFlowBuilder creates an empty builder.
func NewFlowBuilder() *FlowBuilder {
	return &FlowBuilder{}
}

// Tab adds a flow tab; nodes added afterwards belong to it.
func (b *FlowBuilder) Tab(id string) *FlowBuilder {
	b.nodes = append(b.nodes, flowstore.ConfiguredNode{ID: id, Type: flowstore.TabType})
	b.tab = id
	return b
}

// Node adds a node wired to targets on port 0.
func (b *FlowBuilder) Node(id, nodeType string, targets ...string) *FlowBuilder {
	n := flowstore.ConfiguredNode{ID: id, Type: nodeType, Z: b.tab, Props: map[string]any{}}
	if len(targets) > 0 {
		n.Wires = [][]string{targets}
	} else {
		n.Wires = [][]string{}
	}
	b.nodes = append(b.nodes, n)
	return b
}

// Prop sets a property on the last added node.
func (b *FlowBuilder) Prop(key string, value any) *FlowBuilder {
	last := &b.nodes[len(b.nodes)-1]
	if last.Props == nil {
		last.Props = map[string]any{}
	}
	last.Props[key] = value
	return b
}

// Wires replaces the wiring of the last added node.
func (b *FlowBuilder) Wires(ports ...[]string) *FlowBuilder {
	b.nodes[len(b.nodes)-1].Wires = ports
	return b
}

// Credentials attaches a credentials object to the last added node.
func (b *FlowBuilder) Credentials(creds map[string]any) *FlowBuilder {
	b.nodes[len(b.nodes)-1].Credentials = creds
	return b
}

// Build returns a copy of the document.
func (b *FlowBuilder) Build() flowstore.Flows {
	return flowstore.Flows(b.nodes).Clone()
}

// Chain returns count nodes of nodeType, n1 wired to n2 and so on.
func Chain(nodeType string, count int) flowstore.Flows {
	b := NewFlowBuilder()
	for i := 1; i <= count; i++ {
		id := nodeID(i)
		if i < count {
			b.Node(id, nodeType, nodeID(i+1))
		} else {
			b.Node(id, nodeType)
		}
	}
	return b.Build()
}

func nodeID(i int) string {
	return "n" + strconv.Itoa(i)
}
