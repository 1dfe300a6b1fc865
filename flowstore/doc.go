// Package flowstore defines the flow document: the declarative list of
// configured nodes that the runtime compiles into a live graph.
//
// A document is a JSON array. Each record carries an id, a type, an optional
// owning tab "z", an optional name, its output wiring and any number of
// type-specific properties:
//
//	[
//	  {"id": "f1", "type": "tab", "label": "Flow 1"},
//	  {"id": "a", "type": "inject", "z": "f1", "payload": "hi", "wires": [["b"]]},
//	  {"id": "b", "type": "debug", "z": "f1", "wires": []}
//	]
//
// Unknown keys are preserved in ConfiguredNode.Props and survive a round
// trip. A "credentials" object may be present while a document travels from
// an editor to the runtime; it is stripped before the document is persisted.
//
// Parse validates a raw document against a JSON schema and then applies
// the structural rules of Flows.Validate (unique non-empty ids, non-empty
// types, non-empty wire targets).
package flowstore
