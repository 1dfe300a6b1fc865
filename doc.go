// Package nodeflow is a flow runtime: it keeps a registry of node types,
// instantiates the nodes of a deployed flow document, routes messages along
// their wires and redeploys changed parts of the document in place.
//
// # Architecture
//
//	┌────────────────────────────────────┐
//	│  api / comms                       │  Admin HTTP API, editor event
//	│  (deploy, node sets, inject)       │  channel, NATS event publishing
//	└────────────────────────────────────┘
//	           ↓ drives
//	┌────────────────────────────────────┐
//	│  flows                             │  Generations, diff redeploy,
//	│  (Manager, Router, Diff)           │  catch and status routing
//	└────────────────────────────────────┘
//	           ↓ instantiates
//	┌────────────────────────────────────┐
//	│  registry / loader / nodes         │  Node sets, type bindings,
//	│  node / message                    │  built-in node types
//	└────────────────────────────────────┘
//	           ↓ persists through
//	┌────────────────────────────────────┐
//	│  storage / credentials / flowstore │  Memory, file, NATS KV and
//	│                                    │  Redis backends
//	└────────────────────────────────────┘
//
// # Packages
//
//   - registry: node set metadata and the behavior bound to each type
//   - loader: registers modules of node sets into a registry
//   - node: the Behavior contract and the live instance with its mailbox
//   - nodes: built-in inject, debug, catch, status and link types
//   - flows: the flow manager, router and redeploy diff
//   - flowstore: flow document model and schema validation
//   - credentials: per-node secrets kept out of the flow document
//   - storage: backend interface and the runtime persistence adapter
//   - api, comms: admin HTTP API and runtime event sinks
//   - config, errors, health, metric, natsclient: ambient infrastructure
//
// # Binary
//
//	go build ./cmd/nodeflow
//	./nodeflow --config nodeflow.yaml
package nodeflow
