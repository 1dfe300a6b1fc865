// Package nodes provides the built-in node types, loaded as the
// "nodeflow-core" module: inject, debug, catch, status and the link nodes.
package nodes

import (
	"time"

	"github.com/c360/nodeflow/loader"
	"github.com/c360/nodeflow/node"
)

// Module identity
const (
	ModuleName    = "nodeflow-core"
	ModuleVersion = "1.0.0"
)

// Node type names
const (
	InjectType   = "inject"
	DebugType    = "debug"
	CatchType    = "catch"
	StatusType   = "status"
	LinkInType   = "link in"
	LinkOutType  = "link out"
	LinkCallType = "link call"
)

// DefaultLinkTimeout bounds a link call that sets no timeout of its own.
const DefaultLinkTimeout = 30 * time.Second

// Options tune the built-in types.
type Options struct {
	// LinkTimeout is the link call timeout used when a node sets none.
	LinkTimeout time.Duration
}

// Module returns the built-in node module.
func Module(opts Options) loader.Module {
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}
	return loader.Module{
		Name:    ModuleName,
		Version: ModuleVersion,
		Sets: []loader.NodeSet{
			{
				Name:        "inject",
				Definitions: []node.Definition{{Type: InjectType, Factory: newInject}},
			},
			{
				Name:        "debug",
				Definitions: []node.Definition{{Type: DebugType, Factory: newDebug}},
			},
			{
				Name: "common",
				Definitions: []node.Definition{
					{Type: CatchType, Factory: newPassThrough},
					{Type: StatusType, Factory: newPassThrough},
				},
			},
			{
				Name: "link",
				Definitions: []node.Definition{
					{Type: LinkInType, Factory: newPassThrough},
					{Type: LinkOutType, Factory: newLinkOut},
					{Type: LinkCallType, Factory: linkCallFactory(opts.LinkTimeout)},
				},
			},
		},
	}
}
