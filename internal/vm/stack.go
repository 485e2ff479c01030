package vm

import "fmt"

// Operand stack. A single flat vector shared by every frame and
// partitioned by the current frame's stack base: no instruction may pop
// below the base of the frame it belongs to. The validator establishes
// this statically; Debug mode re-checks it at runtime.

// base returns the operand floor of the current frame.
func (vm *VM) base() int {
	if len(vm.frames) == 0 {
		return 0
	}
	return vm.frames[len(vm.frames)-1].stackBase
}

// push appends v, taking ownership of the caller's reference.
func (vm *VM) push(v Value) *VMError {
	if len(vm.stack) >= vm.opts.StackCap {
		vm.heap.Release(v)
		return vm.eb.makeError(FaultStackOverflow,
			fmt.Sprintf("operand stack exceeds %d slots", vm.opts.StackCap))
	}
	vm.stack = append(vm.stack, v)
	return nil
}

// pop removes and returns the top value. Ownership of the reference
// transfers to the caller.
func (vm *VM) pop() (Value, *VMError) {
	if len(vm.stack) <= vm.base() {
		return Null(), vm.eb.makeError(FaultStackUnderflow,
			"pop below the current frame's stack base")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

// peek reads the n-th value from the top (0 = top) without removing it
// or taking a reference.
func (vm *VM) peek(n int) (Value, *VMError) {
	idx := len(vm.stack) - 1 - n
	if idx < vm.base() {
		return Null(), vm.eb.makeError(FaultStackUnderflow,
			fmt.Sprintf("peek(%d) below the current frame's stack base", n))
	}
	return vm.stack[idx], nil
}

// truncateStack releases every value above limit and shrinks the stack
// to it.
func (vm *VM) truncateStack(limit int) {
	for i := len(vm.stack) - 1; i >= limit; i-- {
		vm.heap.Release(vm.stack[i])
	}
	vm.stack = vm.stack[:limit]
}

// OperandDepth returns the current operand stack depth (absolute).
func (vm *VM) OperandDepth() int { return len(vm.stack) }

// OperandSnapshot copies the current frame's operand slice for
// inspection (debugger). References are borrowed.
func (vm *VM) OperandSnapshot() []Value {
	base := vm.base()
	out := make([]Value, len(vm.stack)-base)
	copy(out, vm.stack[base:])
	return out
}
