package flows

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360/nodeflow/errors"
)

// DeployType selects how SetFlows applies a configuration.
type DeployType string

// Deploy types
const (
	FullDeploy  DeployType = "full"
	NodesDeploy DeployType = "nodes"
	FlowsDeploy DeployType = "flows"
)

// ParseDeployType parses s, defaulting to FullDeploy when s is empty.
func ParseDeployType(s string) (DeployType, error) {
	switch DeployType(strings.ToLower(strings.TrimSpace(s))) {
	case "", FullDeploy:
		return FullDeploy, nil
	case NodesDeploy:
		return NodesDeploy, nil
	case FlowsDeploy:
		return FlowsDeploy, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidDeploy, s), "flows", "ParseDeployType", "parse deployment type")
	}
}

// MissingType names a configured node skipped because its type cannot be
// instantiated.
type MissingType struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// FailedNode names a node whose type resolved but whose construction or
// Init hook failed.
type FailedNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Report describes the outcome of starting or redeploying a generation.
type Report struct {
	Rev     string        `json:"rev"`
	Type    DeployType    `json:"type,omitempty"`
	Started []string      `json:"started,omitempty"`
	Stopped []string      `json:"stopped,omitempty"`
	Missing []MissingType `json:"missing,omitempty"`
	Failed  []FailedNode  `json:"failed,omitempty"`
	Diff    *Diff         `json:"-"`
}

// MissingTypes returns the distinct missing type names, sorted.
func (r *Report) MissingTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Missing {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	sort.Strings(out)
	return out
}

// MissingSummary renders the missing types for humans, or "" when nothing is
// missing.
func (r *Report) MissingSummary() string {
	types := r.MissingTypes()
	if len(types) == 0 {
		return ""
	}
	return fmt.Sprintf("waiting for missing types: %s", strings.Join(types, ", "))
}
