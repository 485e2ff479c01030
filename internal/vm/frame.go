package vm

import (
	"fmt"

	"ripple/internal/bytecode"
)

// handlerEntry is one active SetupExcept record: where to resume and
// the absolute operand depth to restore before pushing the exception.
type handlerEntry struct {
	target int
	depth  int
}

// Frame is one function activation record.
type Frame struct {
	image     *bytecode.Image
	analysis  *bytecode.Analysis
	code      *bytecode.CodeObject
	codeIndex int

	ip        int
	opIP      int // start offset of the instruction being executed
	stackBase int
	locals    []Value
	handlers  []handlerEntry

	// captureLocals preserves the local slots in vm.lastLocals when the
	// frame pops, instead of releasing them (module execution).
	captureLocals bool
}

// pushFrame enters a new activation for code object codeIndex of img.
// The top argc operand slots become the first argc locals; captures, if
// any, fill the slots after the parameters. Frame entry retains the
// locals' references; the argument slots on the stack keep theirs until
// return truncation.
func (vm *VM) pushFrame(img *bytecode.Image, analysis *bytecode.Analysis, codeIndex, argc int, captures []Value, captureLocals bool) *VMError {
	if len(vm.frames) >= vm.opts.CallDepthCap {
		return vm.eb.makeError(FaultCallDepthExceeded,
			fmt.Sprintf("call depth exceeds %d frames", vm.opts.CallDepthCap))
	}
	code := &img.CodeObjects[codeIndex]
	base := len(vm.stack) - argc

	locals := make([]Value, code.LocalCount)
	for i := 0; i < argc && i < len(locals); i++ {
		locals[i] = vm.stack[base+i]
		vm.heap.Retain(locals[i])
	}
	for i, c := range captures {
		slot := argc + i
		if slot >= len(locals) {
			break
		}
		locals[slot] = c
		vm.heap.Retain(c)
	}
	// Remaining slots are already null.

	vm.frames = append(vm.frames, Frame{
		image:         img,
		analysis:      analysis,
		code:          code,
		codeIndex:     codeIndex,
		stackBase:     base,
		locals:        locals,
		captureLocals: captureLocals,
	})
	if vm.tracer != nil {
		vm.tracer.Call(codeIndex, len(vm.frames))
	}
	return nil
}

// popFrame discards the top frame, releasing (or capturing) its locals.
// The operand stack must already be truncated to the frame's base.
func (vm *VM) popFrame() {
	top := &vm.frames[len(vm.frames)-1]
	if top.captureLocals {
		vm.lastLocals = top.locals
	} else {
		for _, v := range top.locals {
			vm.heap.Release(v)
		}
	}
	if vm.tracer != nil {
		vm.tracer.Return(top.codeIndex, len(vm.frames)-1)
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
}

// FrameDepth returns the current number of active frames.
func (vm *VM) FrameDepth() int { return len(vm.frames) }

// LocalsSnapshot copies the top frame's local slots for inspection.
// References are borrowed.
func (vm *VM) LocalsSnapshot() []Value {
	if len(vm.frames) == 0 {
		return nil
	}
	top := &vm.frames[len(vm.frames)-1]
	out := make([]Value, len(top.locals))
	copy(out, top.locals)
	return out
}
