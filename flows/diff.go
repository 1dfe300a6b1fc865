package flows

import (
	"github.com/c360/nodeflow/flowstore"
)

// Diff partitions the nodes of two configurations. Ids appear in exactly one
// of Added, Changed, Linked, Removed and Unchanged. Tab records only appear
// in Flows.
type Diff struct {
	// Added are ids only present in the new configuration.
	Added []string
	// Changed are ids whose type, tab, name, wiring, properties or
	// credentials differ. In flows mode it also holds every node of a tab
	// that contains a change.
	Changed []string
	// Linked are unchanged ids that reference a changed, added or removed
	// id through one of their properties.
	Linked []string
	// Removed are ids only present in the old configuration.
	Removed []string
	// Unchanged are ids kept running untouched.
	Unchanged []string
	// Flows are the tabs restarted as a whole in flows mode.
	Flows []string
}

// StopSet returns the ids to stop, in old-configuration order.
func (d *Diff) StopSet() []string {
	out := make([]string, 0, len(d.Changed)+len(d.Linked)+len(d.Removed))
	out = append(out, d.Changed...)
	out = append(out, d.Linked...)
	return append(out, d.Removed...)
}

// StartSet returns the ids to start.
func (d *Diff) StartSet() []string {
	out := make([]string, 0, len(d.Added)+len(d.Changed)+len(d.Linked))
	out = append(out, d.Added...)
	out = append(out, d.Changed...)
	return append(out, d.Linked...)
}

// Empty reports whether nothing needs to stop or start.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Linked) == 0 && len(d.Removed) == 0
}

// ComputeDiff compares the active configuration with next. credChanged
// marks ids whose credentials changed during the deploy even when their
// plain configuration did not. In FlowsDeploy mode every node of a tab
// holding a change is restarted; otherwise the granularity is the node.
func ComputeDiff(active, next flowstore.Flows, mode DeployType, credChanged map[string]bool) *Diff {
	oldByID := active.ByID()
	newByID := next.ByID()

	const (
		kindUnchanged = iota
		kindAdded
		kindChanged
		kindLinked
	)
	kind := make(map[string]int, len(next))
	dirty := make(map[string]bool)

	for _, n := range next {
		if n.IsTab() {
			continue
		}
		prev, ok := oldByID[n.ID]
		switch {
		case !ok:
			kind[n.ID] = kindAdded
			dirty[n.ID] = true
		case prev.Fingerprint() != n.Fingerprint() || credChanged[n.ID]:
			kind[n.ID] = kindChanged
			dirty[n.ID] = true
		default:
			kind[n.ID] = kindUnchanged
		}
	}

	var removed []string
	for _, n := range active {
		if n.IsTab() {
			continue
		}
		if _, ok := newByID[n.ID]; !ok {
			removed = append(removed, n.ID)
			dirty[n.ID] = true
		}
	}

	// Propagate through references until no unchanged node points at a
	// dirty one.
	for {
		grew := false
		for _, n := range next {
			if n.IsTab() || kind[n.ID] != kindUnchanged {
				continue
			}
			for _, ref := range references(n) {
				if dirty[ref] {
					kind[n.ID] = kindLinked
					dirty[n.ID] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}

	d := &Diff{Removed: removed}

	if mode == FlowsDeploy {
		touched := make(map[string]bool)
		for id := range dirty {
			if n, ok := newByID[id]; ok && n.Z != "" {
				touched[n.Z] = true
			}
			if n, ok := oldByID[id]; ok && n.Z != "" {
				touched[n.Z] = true
			}
		}
		for _, n := range next {
			if !n.IsTab() {
				continue
			}
			prev, ok := oldByID[n.ID]
			if !ok || prev.Fingerprint() != n.Fingerprint() {
				touched[n.ID] = true
			}
		}
		for _, n := range next {
			if n.IsTab() {
				if touched[n.ID] {
					d.Flows = append(d.Flows, n.ID)
				}
				continue
			}
			if touched[n.Z] && kind[n.ID] == kindUnchanged {
				kind[n.ID] = kindChanged
			}
		}
	}

	for _, n := range next {
		if n.IsTab() {
			continue
		}
		switch kind[n.ID] {
		case kindAdded:
			d.Added = append(d.Added, n.ID)
		case kindChanged:
			d.Changed = append(d.Changed, n.ID)
		case kindLinked:
			d.Linked = append(d.Linked, n.ID)
		default:
			d.Unchanged = append(d.Unchanged, n.ID)
		}
	}
	return d
}

// references returns the string property values of n, which may name other
// nodes.
func references(n flowstore.ConfiguredNode) []string {
	var refs []string
	for _, v := range n.Props {
		switch val := v.(type) {
		case string:
			if val != "" {
				refs = append(refs, val)
			}
		case []string:
			refs = append(refs, val...)
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok && s != "" {
					refs = append(refs, s)
				}
			}
		}
	}
	return refs
}
