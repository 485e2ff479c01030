package vm

import (
	"fmt"
	"strings"
)

// FaultCode identifies the kind of VM fault.
type FaultCode int

// Stable fault codes - do not change values.
const (
	// Aborting faults: a miscompiled image or a VM bug. These bypass
	// the bytecode exception machinery entirely.
	FaultStackUnderflow FaultCode = 1001 // VM1001: operand stack underflow
	FaultStackOverflow  FaultCode = 1002 // VM1002: operand stack overflow
	FaultInvalidOpcode  FaultCode = 1003 // VM1003: undefined opcode reached execution
	FaultInvalidIndex   FaultCode = 1004 // VM1004: constant/local/global index out of range
	FaultInvalidJump    FaultCode = 1005 // VM1005: jump target outside bytecode

	// Catchable faults: raised as bytecode exceptions visible at
	// SetupExcept boundaries.
	FaultType              FaultCode = 1101 // VM1101: operand type mismatch
	FaultDivisionByZero    FaultCode = 1102 // VM1102: integer division or modulo by zero
	FaultIndex             FaultCode = 1103 // VM1103: sequence index out of range
	FaultKey               FaultCode = 1104 // VM1104: missing dict key
	FaultConcurrentMod     FaultCode = 1105 // VM1105: container mutated during iteration
	FaultCallDepthExceeded FaultCode = 1106 // VM1106: call frame limit exceeded

	// Terminal outcome: an exception reached the bottom frame.
	FaultUncaughtException FaultCode = 1201 // VM1201: uncaught exception
)

// String returns the code as "VM1101" format.
func (c FaultCode) String() string {
	return fmt.Sprintf("VM%d", c)
}

// ExceptionKind returns the user-visible exception kind for catchable
// faults, or "" for aborting ones.
func (c FaultCode) ExceptionKind() string {
	switch c {
	case FaultType:
		return "TypeError"
	case FaultDivisionByZero:
		return "DivisionByZero"
	case FaultIndex:
		return "IndexError"
	case FaultKey:
		return "KeyError"
	case FaultConcurrentMod:
		return "ConcurrentModification"
	case FaultCallDepthExceeded:
		return "CallDepthExceeded"
	}
	return ""
}

// Catchable reports whether the fault is materialized as a bytecode
// exception rather than aborting execution.
func (c FaultCode) Catchable() bool {
	return c.ExceptionKind() != ""
}

// BacktraceFrame records one call frame for fault reports.
type BacktraceFrame struct {
	CodeObject int
	Offset     int
	Line       uint32
}

// VMError is a fault surfaced to the embedder. For
// FaultUncaughtException, Value carries the raised exception value.
type VMError struct {
	Code       FaultCode
	Message    string
	CodeObject int
	Offset     int
	Backtrace  []BacktraceFrame
	Value      Value
}

// Error implements the error interface.
func (e *VMError) Error() string {
	return fmt.Sprintf("fault %s: %s", e.Code, e.Message)
}

// Format renders the fault with its backtrace.
func (e *VMError) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fault %s: %s\n", e.Code, e.Message)
	fmt.Fprintf(&sb, "at code[%d]+0x%04X\n", e.CodeObject, e.Offset)
	if len(e.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, f := range e.Backtrace {
			if f.Line != 0 {
				fmt.Fprintf(&sb, "  %d: code[%d]+0x%04X (line %d)\n", i, f.CodeObject, f.Offset, f.Line)
			} else {
				fmt.Fprintf(&sb, "  %d: code[%d]+0x%04X\n", i, f.CodeObject, f.Offset)
			}
		}
	}
	return sb.String()
}

// errorBuilder constructs VMError values with location and backtrace
// captured from the running VM.
type errorBuilder struct {
	vm *VM
}

func (eb *errorBuilder) makeError(code FaultCode, msg string) *VMError {
	e := &VMError{
		Code:       code,
		Message:    msg,
		CodeObject: -1,
		Offset:     -1,
	}
	if len(eb.vm.frames) > 0 {
		top := &eb.vm.frames[len(eb.vm.frames)-1]
		e.CodeObject = top.codeIndex
		e.Offset = top.opIP
		for i := len(eb.vm.frames) - 1; i >= 0; i-- {
			f := &eb.vm.frames[i]
			e.Backtrace = append(e.Backtrace, BacktraceFrame{
				CodeObject: f.codeIndex,
				Offset:     f.opIP,
				Line:       f.code.LineFor(f.opIP),
			})
		}
	}
	return e
}

func (eb *errorBuilder) typeError(format string, args ...any) *VMError {
	return eb.makeError(FaultType, fmt.Sprintf(format, args...))
}
