package flows

import (
	"slices"
	"sort"

	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// Deliver enqueues msg into target. Instances being stopped have already
// left the routing table, so nothing reaches an instance mid-stop.
func (m *Manager) Deliver(from *node.Node, target string, msg message.Message) bool {
	m.mu.RLock()
	n := m.nodes[target]
	m.mu.RUnlock()

	ok := n != nil && n.Deliver(msg)
	m.metrics.recordDelivery(ok)
	if !ok && from != nil {
		from.Logger().Debug("Dropped message for unavailable node", "target", target)
	}
	return ok
}

// HandleError routes err raised by n to the catch nodes of n's flow. Catch
// nodes scoped to n, or unscoped, take it first; catch nodes marked
// uncaught only see errors no other catch node took. A message caught more
// than the configured depth for the same source is dropped.
func (m *Manager) HandleError(n *node.Node, err error, msg message.Message) bool {
	m.metrics.recordNodeError(n.Type())
	m.publish(node.Event{Topic: node.TopicError, Data: map[string]any{
		"id":    n.ID(),
		"type":  n.Type(),
		"name":  n.Name(),
		"z":     n.FlowID(),
		"error": err.Error(),
	}})

	count := catchCount(msg, n.ID()) + 1
	if count > m.cfg.MaxCatchDepth {
		n.Logger().Warn("Message exceeded maximum number of catches", "count", count)
		return false
	}

	m.mu.RLock()
	catchers := slices.Clone(m.catchers[n.FlowID()])
	m.mu.RUnlock()

	var scoped, uncaught []*node.Node
	for _, c := range catchers {
		if c.ID() == n.ID() {
			continue
		}
		cfg := c.Config()
		if cfg.Bool("uncaught", false) {
			uncaught = append(uncaught, c)
			continue
		}
		if inScope(cfg, n.ID()) {
			scoped = append(scoped, c)
		}
	}

	targets := scoped
	if len(targets) == 0 {
		targets = uncaught
	}
	if len(targets) == 0 {
		return false
	}

	var errMsg message.Message
	if msg != nil {
		errMsg = msg.Clone()
	} else {
		errMsg = message.New()
	}
	errMsg.EnsureID()
	errMsg[message.KeyError] = map[string]any{
		"message": err.Error(),
		"source": map[string]any{
			"id":    n.ID(),
			"type":  n.Type(),
			"name":  n.Name(),
			"count": count,
		},
	}

	handled := false
	for _, c := range targets {
		if c.Deliver(errMsg.Clone()) {
			handled = true
		}
	}
	return handled
}

// HandleStatus publishes a status change of n and forwards it to the status
// nodes of n's flow.
func (m *Manager) HandleStatus(n *node.Node, st node.Status) {
	m.publish(node.Event{Topic: node.TopicStatus, Data: map[string]any{
		"id":    n.ID(),
		"fill":  st.Fill,
		"shape": st.Shape,
		"text":  st.Text,
	}})

	m.mu.RLock()
	watchers := slices.Clone(m.statuses[n.FlowID()])
	m.mu.RUnlock()

	for _, w := range watchers {
		if w.ID() == n.ID() || !inScope(w.Config(), n.ID()) {
			continue
		}
		msg := message.New()
		msg["status"] = map[string]any{
			"fill":  st.Fill,
			"shape": st.Shape,
			"text":  st.Text,
			"source": map[string]any{
				"id":   n.ID(),
				"type": n.Type(),
				"name": n.Name(),
			},
		}
		w.Deliver(msg)
	}
}

// Emit publishes ev to the event sink.
func (m *Manager) Emit(ev node.Event) {
	m.publish(ev)
}

func (m *Manager) publish(ev node.Event) {
	if m.sink != nil {
		m.sink.Publish(ev)
	}
}

// reindexLocked rebuilds the per-flow catch and status indexes. Caller holds
// mu for writing.
func (m *Manager) reindexLocked() {
	catchers := make(map[string][]*node.Node)
	statuses := make(map[string][]*node.Node)
	for _, n := range m.nodes {
		switch n.Type() {
		case CatchType:
			catchers[n.FlowID()] = append(catchers[n.FlowID()], n)
		case StatusType:
			statuses[n.FlowID()] = append(statuses[n.FlowID()], n)
		}
	}
	for _, idx := range []map[string][]*node.Node{catchers, statuses} {
		for _, list := range idx {
			sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
		}
	}
	m.catchers = catchers
	m.statuses = statuses
}

// inScope reports whether the "scope" property of cfg includes id. An
// absent or empty scope covers the whole flow.
func inScope(cfg node.Config, id string) bool {
	scope := cfg.Strings("scope")
	return len(scope) == 0 || slices.Contains(scope, id)
}

// catchCount returns how many times msg was already caught for an error
// raised by source.
func catchCount(msg message.Message, source string) int {
	if msg == nil {
		return 0
	}
	e, ok := msg[message.KeyError].(map[string]any)
	if !ok {
		return 0
	}
	src, ok := e["source"].(map[string]any)
	if !ok || src["id"] != source {
		return 0
	}
	switch c := src["count"].(type) {
	case int:
		return c
	case float64:
		return int(c)
	default:
		return 0
	}
}
