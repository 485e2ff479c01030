package vm

import (
	"fmt"
	"io"

	"ripple/internal/bytecode"
)

// Tracer receives execution and heap events. Hooks run synchronously on
// the VM thread; implementations must not reenter the VM.
type Tracer interface {
	// Instr fires before each instruction executes.
	Instr(codeObject, offset int, op bytecode.Opcode, operandDepth int)
	// Call fires after a frame is pushed; frames is the new depth.
	Call(codeObject, frames int)
	// Return fires as a frame pops; frames is the depth after the pop.
	Return(codeObject, frames int)
	// HeapAlloc fires for every object allocation.
	HeapAlloc(h Handle, kind ObjectKind)
	// HeapFree fires when an object is reclaimed, by refcount or by the
	// cycle collector.
	HeapFree(h Handle, kind ObjectKind)
	// GCPass fires after each cycle pass with the reclaimed count and
	// the surviving live count.
	GCPass(freed, live int)
}

// WriteTracer logs every event as one line on w. It is the
// implementation behind `ripple run --trace`.
type WriteTracer struct {
	W io.Writer
	// Heap selects whether allocation and free events are emitted;
	// instruction and frame events always are.
	Heap bool
}

func (t *WriteTracer) Instr(codeObject, offset int, op bytecode.Opcode, operandDepth int) {
	fmt.Fprintf(t.W, "exec  code[%d]+0x%04X %-14s depth=%d\n", codeObject, offset, op, operandDepth)
}

func (t *WriteTracer) Call(codeObject, frames int) {
	fmt.Fprintf(t.W, "call  code[%d] frames=%d\n", codeObject, frames)
}

func (t *WriteTracer) Return(codeObject, frames int) {
	fmt.Fprintf(t.W, "ret   code[%d] frames=%d\n", codeObject, frames)
}

func (t *WriteTracer) HeapAlloc(h Handle, kind ObjectKind) {
	if t.Heap {
		fmt.Fprintf(t.W, "alloc #%d %s\n", h, kind)
	}
}

func (t *WriteTracer) HeapFree(h Handle, kind ObjectKind) {
	if t.Heap {
		fmt.Fprintf(t.W, "free  #%d %s\n", h, kind)
	}
}

func (t *WriteTracer) GCPass(freed, live int) {
	fmt.Fprintf(t.W, "gc    freed=%d live=%d\n", freed, live)
}
