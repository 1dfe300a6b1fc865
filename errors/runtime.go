package errors

import (
	"fmt"
	"strings"
	"time"
)

// TypeLoadError records that a node type's behavior failed to bind.
// It is stored on the owning type descriptor and never aborts a load.
type TypeLoadError struct {
	SetID string
	Type  string
	Err   error
}

func (e *TypeLoadError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("load node set %s: %v", e.SetID, e.Err)
	}
	return fmt.Sprintf("load node type %q from %s: %v", e.Type, e.SetID, e.Err)
}

func (e *TypeLoadError) Unwrap() error { return e.Err }

// Class implements classification.
func (e *TypeLoadError) Class() ErrorClass { return ErrorInvalid }

// UnknownTypeError is returned when a configured node references a type
// that no loaded node set provides.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown node type %q", e.Type)
}

// Class implements classification.
func (e *UnknownTypeError) Class() ErrorClass { return ErrorInvalid }

// DisabledTypeError is returned when a configured node references a type
// whose node set is disabled or failed to load.
type DisabledTypeError struct {
	Type  string
	SetID string
	Cause error
}

func (e *DisabledTypeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node type %q unavailable, %s is in error: %v", e.Type, e.SetID, e.Cause)
	}
	return fmt.Sprintf("node type %q unavailable, %s is disabled", e.Type, e.SetID)
}

func (e *DisabledTypeError) Unwrap() error { return e.Cause }

// Class implements classification.
func (e *DisabledTypeError) Class() ErrorClass { return ErrorInvalid }

// TypeInUseError rejects disabling or removing a node set whose types have
// live instances in the active flow.
type TypeInUseError struct {
	SetID string
	Types []string
}

func (e *TypeInUseError) Error() string {
	return fmt.Sprintf("node set %s is in use by types: %s", e.SetID, strings.Join(e.Types, ", "))
}

// Class implements classification.
func (e *TypeInUseError) Class() ErrorClass { return ErrorInvalid }

// DuplicateTypeError rejects binding a behavior to a type name that already
// has one.
type DuplicateTypeError struct {
	Type     string
	Existing string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("node type %q already registered by %s", e.Type, e.Existing)
}

// Class implements classification.
func (e *DuplicateTypeError) Class() ErrorClass { return ErrorInvalid }

// CredentialStoreError reports a failure persisting the credential cache.
type CredentialStoreError struct {
	Op  string
	Err error
}

func (e *CredentialStoreError) Error() string {
	return fmt.Sprintf("credentials %s: %v", e.Op, e.Err)
}

func (e *CredentialStoreError) Unwrap() error { return e.Err }

// Class implements classification.
func (e *CredentialStoreError) Class() ErrorClass { return ErrorTransient }

// NodeRuntimeError reports a failure raised by a node's own hook.
type NodeRuntimeError struct {
	NodeID   string
	NodeType string
	Hook     string
	Err      error
	Panic    bool
}

func (e *NodeRuntimeError) Error() string {
	if e.Panic {
		return fmt.Sprintf("node %s (%s) panicked in %s: %v", e.NodeID, e.NodeType, e.Hook, e.Err)
	}
	return fmt.Sprintf("node %s (%s) %s: %v", e.NodeID, e.NodeType, e.Hook, e.Err)
}

func (e *NodeRuntimeError) Unwrap() error { return e.Err }

// Class implements classification.
func (e *NodeRuntimeError) Class() ErrorClass { return ErrorTransient }

// LinkTimeoutError is synthesized when a link call gets no reply in time.
// It travels on the message, it is never returned from a hook.
type LinkTimeoutError struct {
	NodeID    string
	RequestID string
	Timeout   time.Duration
}

func (e *LinkTimeoutError) Error() string {
	return fmt.Sprintf("link call %s timed out after %s", e.NodeID, e.Timeout)
}

// Class implements classification.
func (e *LinkTimeoutError) Class() ErrorClass { return ErrorTransient }

// DeployError is surfaced to the deploy caller when a deploy is aborted.
// Nodes names the affected nodes as "type:id" or "type:name".
type DeployError struct {
	Nodes []string
	Err   error
}

func (e *DeployError) Error() string {
	if len(e.Nodes) == 0 {
		return fmt.Sprintf("deploy failed: %v", e.Err)
	}
	return fmt.Sprintf("deploy failed, %d nodes affected (%s): %v",
		len(e.Nodes), strings.Join(e.Nodes, ", "), e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }
