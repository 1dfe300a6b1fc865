// Package errors provides standardized error handling for nodeflow.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, connection issues, storage unavailability (retry recommended)
//   - Invalid: malformed input, validation failures, bad flow documents (do not retry)
//   - Fatal: unrecoverable states (stop processing)
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format "component.method: action failed: cause":
//
//	if err := store.Put(ctx, key, data); err != nil {
//	    return errors.WrapTransient(err, "FileStore", "Put", "write file")
//	}
//
// # Runtime Taxonomy
//
// The flow runtime reports its domain failures with dedicated types that can be
// matched with errors.As and classified with IsInvalid, IsTransient and IsFatal:
//
//   - TypeLoadError: a node type failed to bind, recorded on its descriptor
//   - UnknownTypeError, DisabledTypeError: a configured node cannot be instantiated
//   - TypeInUseError: disabling or removing a node set with live instances
//   - DuplicateTypeError: rebinding a type name without removing it first
//   - CredentialStoreError: credential persistence failed, the deploy is aborted
//   - NodeRuntimeError: a node hook returned an error or panicked
//   - LinkTimeoutError: a link call got no reply in time
//   - DeployError: an aborted deploy, naming the affected nodes
package errors
