// Package loader resolves module names to compiled images, validates
// them, executes them once and caches the results. It implements the
// vm.Importer contract behind the Import opcodes.
package loader

import (
	"fmt"
	"strings"

	"ripple/internal/vm"
)

// ResolveError reports a module name that maps to no readable image.
type ResolveError struct {
	Name   string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Name, e.Reason)
}

// ExceptionKind marks the error catchable at the Import opcode.
func (e *ResolveError) ExceptionKind() string { return "ResolveError" }

// CircularImportError reports an import chain that reached a module
// already being loaded. Chain runs from the outermost import to the
// repeated name.
type CircularImportError struct {
	Chain []string
}

func (e *CircularImportError) Error() string {
	return fmt.Sprintf("circular import: %s", strings.Join(e.Chain, " -> "))
}

func (e *CircularImportError) ExceptionKind() string { return "CircularImport" }

// DeserializeError wraps a decode failure with the module name.
type DeserializeError struct {
	Name string
	Err  error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserialize %q: %v", e.Name, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

func (e *DeserializeError) ExceptionKind() string { return "DeserializeError" }

// ValidationError wraps a validation or link failure with the module
// name.
type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %q: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) ExceptionKind() string { return "ValidationError" }

// ExecError reports a fault raised while a module's top level ran at
// first load.
type ExecError struct {
	Name string
	Err  *vm.VMError
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute %q: %v", e.Name, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

func (e *ExecError) ExceptionKind() string { return "ImportError" }
