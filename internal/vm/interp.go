package vm

import (
	"encoding/binary"
	"fmt"

	"ripple/internal/bytecode"
)

// StopPoint describes the instruction the VM would execute next.
type StopPoint struct {
	CodeObject   int
	Offset       int
	Line         uint32
	Op           bytecode.Opcode
	OperandDepth int
	FrameCount   int
}

// Stopped returns the current stop point. Valid only while frames are
// active.
func (vm *VM) Stopped() StopPoint {
	if len(vm.frames) == 0 {
		return StopPoint{CodeObject: -1, Offset: -1}
	}
	f := &vm.frames[len(vm.frames)-1]
	sp := StopPoint{
		CodeObject:   f.codeIndex,
		Offset:       f.ip,
		Line:         f.code.LineFor(f.ip),
		OperandDepth: len(vm.stack) - f.stackBase,
		FrameCount:   len(vm.frames),
	}
	if f.ip < len(f.code.Code) {
		sp.Op = bytecode.Opcode(f.code.Code[f.ip])
	}
	return sp
}

// CurrentImage returns the image of the executing frame, for debugger
// rendering. Nil when no frame is active.
func (vm *VM) CurrentImage() *bytecode.Image {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.frames[len(vm.frames)-1].image
}

// runFrames executes until the frame stack drops below minDepth. The
// returning frame's value lands in vm.pending.
func (vm *VM) runFrames(minDepth int) *VMError {
	for len(vm.frames) >= minDepth {
		if err := vm.step(minDepth); err != nil {
			return err
		}
	}
	return nil
}

// StepOne executes exactly one instruction of the current program.
// Intended for debugger use from within a break handler.
func (vm *VM) StepOne() *VMError {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.step(1)
}

// step fetches, decodes and executes one instruction. Program order is
// observable order: every side effect of the instruction lands before
// the next fetch.
func (vm *VM) step(minDepth int) *VMError {
	f := &vm.frames[len(vm.frames)-1]

	// ip == len(code) is the terminal position, reached only through a
	// jump to the end; it behaves as a return of null.
	if f.ip >= len(f.code.Code) {
		return vm.finishFrame(Null(), minDepth)
	}

	if vm.opts.Debug {
		if err := vm.checkDepth(f); err != nil {
			return err
		}
	}

	op := bytecode.Opcode(f.code.Code[f.ip])
	info := bytecode.Info(op)
	if info == nil {
		return vm.eb.makeError(FaultInvalidOpcode,
			fmt.Sprintf("undefined opcode 0x%02X", byte(op)))
	}
	if vm.tracer != nil {
		vm.tracer.Instr(f.codeIndex, f.ip, op, len(vm.stack)-f.stackBase)
	}

	f.opIP = f.ip
	imms := f.code.Code[f.ip+1 : f.ip+info.Width()]
	// The ip advances past the instruction before it executes, so jump
	// targets are absolute and Call returns to the next instruction.
	f.ip += info.Width()

	err := vm.exec(f, op, imms, minDepth)
	if err != nil && err.Code.Catchable() {
		return vm.raiseFault(err, minDepth)
	}
	return err
}

func imm16(imms []byte, at int) int {
	return int(binary.LittleEndian.Uint16(imms[at:]))
}

func imm32(imms []byte, at int) int {
	return int(binary.LittleEndian.Uint32(imms[at:]))
}

// checkDepth asserts the validator-computed operand depth at the
// current boundary (Debug mode only).
func (vm *VM) checkDepth(f *Frame) *VMError {
	if f.analysis == nil || f.codeIndex >= len(f.analysis.Depths) {
		return nil
	}
	depths := f.analysis.Depths[f.codeIndex]
	if f.ip >= len(depths) {
		return nil
	}
	want := depths[f.ip]
	if want < 0 {
		return nil
	}
	got := len(vm.stack) - f.stackBase
	if got != int(want) {
		return vm.eb.makeError(FaultStackUnderflow,
			fmt.Sprintf("operand depth %d differs from validated depth %d at +0x%04X", got, want, f.ip))
	}
	return nil
}

// exec dispatches one decoded instruction.
func (vm *VM) exec(f *Frame, op bytecode.Opcode, imms []byte, minDepth int) *VMError {
	switch op {
	// Stack family.
	case bytecode.OpLoadConst:
		return vm.execLoadConst(f, imm16(imms, 0))
	case bytecode.OpLoadLocal:
		i := imm16(imms, 0)
		if i >= len(f.locals) {
			return vm.invalidIndex("local", i, len(f.locals))
		}
		vm.heap.Retain(f.locals[i])
		return vm.push(f.locals[i])
	case bytecode.OpStoreLocal:
		i := imm16(imms, 0)
		if i >= len(f.locals) {
			return vm.invalidIndex("local", i, len(f.locals))
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.heap.Release(f.locals[i])
		f.locals[i] = v
		return nil
	case bytecode.OpLoadGlobal:
		// The globals table sizes on demand; a slot never stored
		// reads as null.
		g := imm16(imms, 0)
		v := Null()
		if g < len(vm.globals) {
			v = vm.globals[g]
		}
		vm.heap.Retain(v)
		return vm.push(v)
	case bytecode.OpStoreGlobal:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.setGlobal(imm16(imms, 0), v)
		return nil
	case bytecode.OpLoadAttr:
		return vm.execLoadAttr(f, imm16(imms, 0))
	case bytecode.OpStoreAttr:
		return vm.execStoreAttr(f, imm16(imms, 0))
	case bytecode.OpPop:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.heap.Release(v)
		return nil
	case bytecode.OpDup:
		v, err := vm.peek(0)
		if err != nil {
			return err
		}
		vm.heap.Retain(v)
		return vm.push(v)

	// Arithmetic family.
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv,
		bytecode.OpMod, bytecode.OpPow:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		res, aerr := vm.arith(op, a, b)
		vm.heap.Release(a)
		vm.heap.Release(b)
		if aerr != nil {
			return aerr
		}
		return vm.push(res)
	case bytecode.OpNeg:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		res, aerr := vm.negate(v)
		vm.heap.Release(v)
		if aerr != nil {
			return aerr
		}
		return vm.push(res)

	// Comparison family.
	case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
		bytecode.OpGt, bytecode.OpGe:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		res, cerr := vm.compare(op, a, b)
		vm.heap.Release(a)
		vm.heap.Release(b)
		if cerr != nil {
			return cerr
		}
		return vm.push(res)

	// Logical family.
	case bytecode.OpAnd, bytecode.OpOr:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		ta, tb := vm.heap.Truthy(a), vm.heap.Truthy(b)
		vm.heap.Release(a)
		vm.heap.Release(b)
		if op == bytecode.OpAnd {
			return vm.push(Bool(ta && tb))
		}
		return vm.push(Bool(ta || tb))
	case bytecode.OpNot:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		t := vm.heap.Truthy(v)
		vm.heap.Release(v)
		return vm.push(Bool(!t))

	// Control-flow family.
	case bytecode.OpJump:
		return vm.jumpTo(f, imm32(imms, 0))
	case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		t := vm.heap.Truthy(v)
		vm.heap.Release(v)
		if t == (op == bytecode.OpJumpIfTrue) {
			return vm.jumpTo(f, imm32(imms, 0))
		}
		return nil

	// Call family.
	case bytecode.OpCall:
		return vm.execCall(imm16(imms, 0))
	case bytecode.OpReturn:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.finishFrame(v, minDepth)
	case bytecode.OpMakeFunction:
		return vm.execMakeFunction(f, imm16(imms, 0))
	case bytecode.OpMakeClosure:
		return vm.execMakeClosure(f, imm16(imms, 0), imm16(imms, 2))

	// Collection family.
	case bytecode.OpBuildList, bytecode.OpBuildTuple, bytecode.OpBuildSet:
		return vm.execBuildSequence(op, imm16(imms, 0))
	case bytecode.OpBuildDict:
		return vm.execBuildDict(imm16(imms, 0))

	// Subscript family.
	case bytecode.OpLoadSubscript:
		return vm.execLoadSubscript()
	case bytecode.OpStoreSubscript:
		return vm.execStoreSubscript()
	case bytecode.OpDeleteSubscript:
		return vm.execDeleteSubscript()

	// Iteration family.
	case bytecode.OpGetIter:
		return vm.execGetIter()
	case bytecode.OpForIter:
		return vm.execForIter(f, imm32(imms, 0))

	// Exception family.
	case bytecode.OpSetupExcept:
		target := imm32(imms, 0)
		if target < 0 || target >= len(f.code.Code) {
			return vm.eb.makeError(FaultInvalidJump,
				fmt.Sprintf("handler target %d outside bytecode", target))
		}
		f.handlers = append(f.handlers, handlerEntry{target: target, depth: len(vm.stack)})
		return nil
	case bytecode.OpPopExcept:
		if len(f.handlers) == 0 {
			return vm.eb.makeError(FaultInvalidIndex, "PopExcept with no active handler")
		}
		f.handlers = f.handlers[:len(f.handlers)-1]
		return nil
	case bytecode.OpRaise:
		exc, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.unwind(exc, minDepth)

	// Import family.
	case bytecode.OpImportName:
		return vm.execImportName(f, imm16(imms, 0), minDepth)
	case bytecode.OpImportFrom:
		return vm.execImportFrom(f, imm16(imms, 0))

	// Debug family.
	case bytecode.OpNop:
		return nil
	case bytecode.OpBreakpoint:
		if vm.breakHandler != nil && !vm.inBreak {
			vm.inBreak = true
			vm.breakHandler(vm)
			vm.inBreak = false
		}
		return nil
	}
	return vm.eb.makeError(FaultInvalidOpcode,
		fmt.Sprintf("opcode %s reached execution without a handler", op))
}

func (vm *VM) invalidIndex(what string, idx, limit int) *VMError {
	return vm.eb.makeError(FaultInvalidIndex,
		fmt.Sprintf("%s index %d out of range (%d available)", what, idx, limit))
}

func (vm *VM) jumpTo(f *Frame, target int) *VMError {
	if target < 0 || target > len(f.code.Code) {
		return vm.eb.makeError(FaultInvalidJump,
			fmt.Sprintf("jump target %d outside [0,%d]", target, len(f.code.Code)))
	}
	f.ip = target
	return nil
}

// finishFrame implements Return: discard the frame's working stack,
// pop the frame, hand the return value to the caller (or to vm.pending
// when the run-loop boundary is crossed).
func (vm *VM) finishFrame(ret Value, minDepth int) *VMError {
	f := &vm.frames[len(vm.frames)-1]
	vm.truncateStack(f.stackBase)
	vm.popFrame()
	if len(vm.frames) < minDepth {
		vm.pending = ret
		return nil
	}
	return vm.push(ret)
}

// raiseFault converts a catchable fault into an exception value and
// unwinds with it.
func (vm *VM) raiseFault(fault *VMError, minDepth int) *VMError {
	return vm.raiseKind(fault.Code.ExceptionKind(), fault.Message, minDepth)
}

// raiseKind raises a {"kind","message"} exception dict.
func (vm *VM) raiseKind(kind, message string, minDepth int) *VMError {
	exc := vm.heap.NewDict()
	obj := vm.heap.Get(exc.AsRef())
	obj.dictSet("kind", vm.heap.NewString(kind))
	obj.dictSet("message", vm.heap.NewString(message))
	return vm.unwind(exc, minDepth)
}

// unwind walks handler stacks and frames until the exception is caught
// or the run-loop boundary empties. Exceptions never cross a host-call
// boundary: an uncaught exception inside a reentrant call surfaces as a
// fault of that call.
func (vm *VM) unwind(exc Value, minDepth int) *VMError {
	// Snapshot the raise site before frames disappear.
	site := vm.eb.makeError(FaultUncaughtException, "uncaught exception: "+vm.heap.Render(exc))

	for len(vm.frames) >= minDepth {
		f := &vm.frames[len(vm.frames)-1]
		if n := len(f.handlers); n > 0 {
			h := f.handlers[n-1]
			f.handlers = f.handlers[:n-1]
			vm.truncateStack(h.depth)
			f.ip = h.target
			return vm.push(exc)
		}
		vm.truncateStack(f.stackBase)
		vm.popFrame()
	}
	site.Value = exc // the error owns the exception's reference
	return site
}
