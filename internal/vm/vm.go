package vm

import (
	"fmt"

	"ripple/internal/bytecode"
)

// Default resource limits.
const (
	DefaultStackCap     = 65_536
	DefaultCallDepthCap = 1_024
)

// Options configures a VM instance. Every field has a documented
// default applied by New.
type Options struct {
	// StackCap bounds the shared operand stack in slots.
	// Default 65,536.
	StackCap int
	// CallDepthCap bounds the call frame stack. Default 1,024.
	CallDepthCap int
	// GCAllocThreshold is the allocation count between automatic cycle
	// passes. Default 10,000.
	GCAllocThreshold int
	// GCByteThreshold is the approximate resident byte count that
	// forces a cycle pass. Default 64 MiB.
	GCByteThreshold int64
	// Debug enables per-instruction stack depth assertions against the
	// validator's analysis and checked integer overflow.
	Debug bool
	// Tracer receives execution and heap events; nil disables tracing.
	Tracer Tracer
}

func (o Options) withDefaults() Options {
	if o.StackCap <= 0 {
		o.StackCap = DefaultStackCap
	}
	if o.CallDepthCap <= 0 {
		o.CallDepthCap = DefaultCallDepthCap
	}
	if o.GCAllocThreshold <= 0 {
		o.GCAllocThreshold = DefaultGCAllocThreshold
	}
	if o.GCByteThreshold <= 0 {
		o.GCByteThreshold = DefaultGCByteThreshold
	}
	return o
}

// Importer resolves a module name to its exports dict. The loader
// implements it; the returned value is borrowed (the loader cache keeps
// its own reference).
type Importer interface {
	Import(name string) (Value, error)
}

// ImportFault is implemented by loader errors so the interpreter can
// materialize them as catchable exceptions of the right kind.
type ImportFault interface {
	error
	ExceptionKind() string
}

// VM is one single-threaded execution instance. Heap, stacks, globals
// and the importer are private to the instance; two instances share no
// state.
type VM struct {
	opts Options

	heap    *Heap
	stack   []Value // shared operand stack, partitioned by frame bases
	frames  []Frame
	globals []Value

	importer Importer
	tracer   Tracer
	eb       *errorBuilder

	// pending holds the value returned by the frame that just left the
	// run loop boundary.
	pending Value

	// lastLocals captures the final local slots of a frame popped with
	// captureLocals set (module execution).
	lastLocals []Value

	// activeComputed tracks the computed cells currently recomputing,
	// for reactive dependency capture.
	activeComputed []Handle

	breakHandler func(*VM)
	inBreak      bool
}

// New creates a VM with the given options.
func New(opts Options) *VM {
	vm := &VM{opts: opts.withDefaults()}
	vm.tracer = vm.opts.Tracer
	vm.eb = &errorBuilder{vm: vm}
	vm.heap = newHeap(vm)
	return vm
}

// Heap exposes the managed heap for embedders (allocation, statistics).
func (vm *VM) Heap() *Heap { return vm.heap }

// SetImporter installs the module loader used by the Import opcodes.
func (vm *VM) SetImporter(imp Importer) { vm.importer = imp }

// SetBreakHandler installs the hook invoked by the Breakpoint opcode.
// Without a handler the opcode is a no-op.
func (vm *VM) SetBreakHandler(fn func(*VM)) { vm.breakHandler = fn }

// ForceCollect runs a full cycle pass and returns the number of objects
// reclaimed.
func (vm *VM) ForceCollect() int { return vm.heap.Collect() }

// HeapStats returns a snapshot of heap counters.
func (vm *VM) HeapStats() HeapStats { return vm.heap.Stats() }

// RegisterBuiltin binds a host callback into a global slot, making it
// callable by bytecode through the regular Call machinery.
func (vm *VM) RegisterBuiltin(slot uint16, name string, fn BuiltinFunc) {
	v := vm.heap.NewBuiltin(name, fn)
	vm.setGlobal(int(slot), v)
}

// SetGlobal stores v into a global slot, retaining it on behalf of the
// globals table.
func (vm *VM) SetGlobal(slot uint16, v Value) {
	vm.heap.Retain(v)
	vm.setGlobal(int(slot), v)
}

// Global reads a global slot; unset slots read as null.
func (vm *VM) Global(slot uint16) Value {
	if int(slot) >= len(vm.globals) {
		return Null()
	}
	return vm.globals[slot]
}

// setGlobal takes ownership of v.
func (vm *VM) setGlobal(slot int, v Value) {
	for len(vm.globals) <= slot {
		vm.globals = append(vm.globals, Null())
	}
	vm.heap.Release(vm.globals[slot])
	vm.globals[slot] = v
}

// ReleaseValue drops a reference the embedder owns (for values returned
// by Exec, CallValue or reactive reads).
func (vm *VM) ReleaseValue(v Value) { vm.heap.Release(v) }

// Exec validates nothing: img and analysis must come from
// bytecode.Validate. It executes the image's entry code object and
// returns the program result. The caller owns the returned value.
func (vm *VM) Exec(img *bytecode.Image, analysis *bytecode.Analysis) (Value, *VMError) {
	result, _, err := vm.execEntry(img, analysis, false)
	return result, err
}

// ExecModule executes the entry code object and additionally returns
// the frame's final local slots, which module loading turns into the
// exports dict. The caller owns the locals' references and the result.
func (vm *VM) ExecModule(img *bytecode.Image, analysis *bytecode.Analysis) (Value, []Value, *VMError) {
	return vm.execEntry(img, analysis, true)
}

func (vm *VM) execEntry(img *bytecode.Image, analysis *bytecode.Analysis, captureLocals bool) (Value, []Value, *VMError) {
	entry := img.Entry()
	if entry.ParamCount != 0 {
		return Null(), nil, vm.eb.makeError(FaultType,
			fmt.Sprintf("entry code object takes %d parameters, expected none", entry.ParamCount))
	}
	minDepth := len(vm.frames) + 1
	if err := vm.pushFrame(img, analysis, 0, 0, nil, captureLocals); err != nil {
		return Null(), nil, err
	}
	if err := vm.runFrames(minDepth); err != nil {
		return Null(), nil, err
	}
	result := vm.pending
	vm.pending = Null()
	locals := vm.lastLocals
	vm.lastLocals = nil
	return result, locals, nil
}

// Prime pushes the entry frame of img without executing anything, so a
// debugger can drive execution instruction by instruction with StepOne.
func (vm *VM) Prime(img *bytecode.Image, analysis *bytecode.Analysis) *VMError {
	entry := img.Entry()
	if entry.ParamCount != 0 {
		return vm.eb.makeError(FaultType,
			fmt.Sprintf("entry code object takes %d parameters, expected none", entry.ParamCount))
	}
	return vm.pushFrame(img, analysis, 0, 0, nil, false)
}

// Done reports whether a primed program has run to completion.
func (vm *VM) Done() bool { return len(vm.frames) == 0 }

// TakeResult hands the finished program's result to the caller, who
// owns the reference. Valid once after Done becomes true.
func (vm *VM) TakeResult() Value {
	r := vm.pending
	vm.pending = Null()
	return r
}

// CallValue invokes any callable value with args. Arguments are
// borrowed from the caller; the returned value is owned by the caller.
// Host callbacks use this to reenter the VM.
func (vm *VM) CallValue(fn Value, args []Value) (Value, *VMError) {
	vm.heap.Retain(fn)
	for _, a := range args {
		vm.heap.Retain(a)
		if err := vm.push(a); err != nil {
			return Null(), err
		}
	}
	minDepth := len(vm.frames) + 1
	pushed, err := vm.beginCall(fn, len(args))
	if err != nil {
		return Null(), err
	}
	if !pushed {
		// Builtin path: result is already on the stack.
		return vm.pop()
	}
	if err := vm.runFrames(minDepth); err != nil {
		return Null(), err
	}
	result := vm.pending
	vm.pending = Null()
	return result, nil
}
