// Package errors provides standardized error handling for the runtime.
//
// # Error Classification
//
// Every error that crosses a component boundary is classified:
//
//   - Transient: connector construction failures, attach failures, dependencies that are
//     still loading. Callers retry these.
//   - Invalid: unknown data sources, malformed view queries, bad spicepods. These are
//     configuration problems and are never retried.
//   - Fatal: a server or watcher failed to start. These stop the process.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// through Wrap, WrapTransient, WrapInvalid and WrapFatal:
//
//	if err := engine.AttachView(ds); err != nil {
//	    return errors.WrapTransient(err, "Runtime", "attachDataset", "attach view")
//	}
//
// Classification survives further wrapping with fmt.Errorf("...: %w", err), so
// IsTransient, IsInvalid and IsFatal can be used anywhere up the call chain.
package errors
