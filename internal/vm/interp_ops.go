package vm

import (
	"fmt"
	"math"

	"ripple/internal/bytecode"
)

// Constant and attribute access.

func (vm *VM) execLoadConst(f *Frame, k int) *VMError {
	if k >= len(f.image.Constants) {
		return vm.invalidIndex("constant", k, len(f.image.Constants))
	}
	c := f.image.Constants[k]
	switch c.Kind {
	case bytecode.ConstNull:
		return vm.push(Null())
	case bytecode.ConstBool:
		return vm.push(Bool(c.Bool))
	case bytecode.ConstInt:
		return vm.push(Int(c.Int))
	case bytecode.ConstFloat:
		return vm.push(Float(c.Float))
	case bytecode.ConstString:
		if int(c.Index) >= len(f.image.Strings) {
			return vm.invalidIndex("string", int(c.Index), len(f.image.Strings))
		}
		return vm.push(vm.heap.NewString(f.image.Strings[c.Index]))
	case bytecode.ConstCode:
		// A code constant loads as a plain function value, same as
		// MakeFunction would produce.
		return vm.push(vm.makeFunctionValue(f, int(c.Index)))
	}
	return vm.eb.makeError(FaultInvalidIndex,
		fmt.Sprintf("constant %d has unknown kind %d", k, c.Kind))
}

func (vm *VM) execLoadAttr(f *Frame, k int) *VMError {
	if k >= len(f.image.Strings) {
		return vm.invalidIndex("string", k, len(f.image.Strings))
	}
	name := f.image.Strings[k]
	obj, err := vm.pop()
	if err != nil {
		return err
	}
	if !obj.IsRef() || vm.heap.Get(obj.AsRef()).Kind != OKDict {
		kind := describe(vm.heap, obj)
		vm.heap.Release(obj)
		return vm.eb.typeError("attribute access on %s", kind)
	}
	v, ok := vm.heap.Get(obj.AsRef()).DictGet(name)
	if !ok {
		vm.heap.Release(obj)
		return vm.eb.makeError(FaultKey, fmt.Sprintf("no attribute %q", name))
	}
	vm.heap.Retain(v)
	vm.heap.Release(obj)
	return vm.push(v)
}

func (vm *VM) execStoreAttr(f *Frame, k int) *VMError {
	if k >= len(f.image.Strings) {
		return vm.invalidIndex("string", k, len(f.image.Strings))
	}
	name := f.image.Strings[k]
	obj, err := vm.pop()
	if err != nil {
		return err
	}
	v, err := vm.pop()
	if err != nil {
		vm.heap.Release(obj)
		return err
	}
	if !obj.IsRef() || vm.heap.Get(obj.AsRef()).Kind != OKDict {
		kind := describe(vm.heap, obj)
		vm.heap.Release(obj)
		vm.heap.Release(v)
		return vm.eb.typeError("attribute store on %s", kind)
	}
	prev, _ := vm.heap.Get(obj.AsRef()).dictSet(name, v)
	vm.heap.Release(prev)
	vm.heap.Release(obj)
	return nil
}

// Calls.

func (vm *VM) execCall(argc int) *VMError {
	fnIdx := len(vm.stack) - argc - 1
	if fnIdx < vm.base() {
		return vm.eb.makeError(FaultStackUnderflow,
			fmt.Sprintf("Call(%d) reaches below the current frame's stack base", argc))
	}
	// Slide the callee out from under its arguments so the frame base
	// lands exactly at the first argument.
	fn := vm.stack[fnIdx]
	copy(vm.stack[fnIdx:], vm.stack[fnIdx+1:])
	vm.stack = vm.stack[:len(vm.stack)-1]
	_, err := vm.beginCall(fn, argc)
	return err
}

// beginCall dispatches a call to fn with the top argc operand slots as
// arguments. Ownership of fn and of the argument slots transfers in.
// Reports whether a bytecode frame was pushed; builtins run to
// completion and leave their result on the stack instead.
func (vm *VM) beginCall(fn Value, argc int) (bool, *VMError) {
	fail := func(err *VMError) (bool, *VMError) {
		vm.truncateStack(len(vm.stack) - argc)
		vm.heap.Release(fn)
		return false, err
	}

	if !fn.IsRef() {
		return fail(vm.eb.typeError("call of %s", fn.Kind()))
	}
	obj := vm.heap.Get(fn.AsRef())

	var fd *FuncData
	var captures []Value
	switch obj.Kind {
	case OKFunction:
		fd = obj.Fn
	case OKClosure:
		fnObj := vm.heap.Get(obj.Closure)
		if fnObj.Kind != OKFunction {
			return fail(vm.eb.typeError("closure wraps %s", fnObj.Kind))
		}
		fd = fnObj.Fn
		captures = obj.Captures
	case OKBuiltin:
		return false, vm.callBuiltin(fn, obj.Builtin, argc)
	default:
		return fail(vm.eb.typeError("call of %s", obj.Kind))
	}

	co := &fd.Image.CodeObjects[fd.CodeIndex]
	want := int(co.ParamCount)
	if argc > want {
		return fail(vm.eb.typeError("%s takes %d arguments, got %d", fd.Name, want, argc))
	}
	if missing := want - argc; missing > 0 {
		if missing > len(fd.Defaults) {
			return fail(vm.eb.typeError("%s takes %d arguments, got %d", fd.Name, want, argc))
		}
		// Defaults are right-aligned against the parameter list.
		for _, d := range fd.Defaults[len(fd.Defaults)-missing:] {
			vm.heap.Retain(d)
			if err := vm.push(d); err != nil {
				return fail(err)
			}
		}
		argc = want
	}

	if err := vm.pushFrame(fd.Image, fd.Analysis, int(fd.CodeIndex), argc, captures, false); err != nil {
		return fail(err)
	}
	vm.heap.Release(fn)
	return true, nil
}

// callBuiltin runs a host callback synchronously. The arguments move
// off the operand stack into a slice owned by this call; the result
// lands back on the stack.
func (vm *VM) callBuiltin(fn Value, b *BuiltinData, argc int) *VMError {
	start := len(vm.stack) - argc
	args := make([]Value, argc)
	copy(args, vm.stack[start:])
	vm.stack = vm.stack[:start]

	res, err := b.Fn(vm, args)
	for _, a := range args {
		vm.heap.Release(a)
	}
	vm.heap.Release(fn)
	if err != nil {
		if vmErr, ok := err.(*VMError); ok {
			vm.heap.Release(res)
			return vmErr
		}
		vm.heap.Release(res)
		return vm.eb.typeError("builtin %s: %v", b.Name, err)
	}
	return vm.push(res)
}

func (vm *VM) makeFunctionValue(f *Frame, codeIndex int) Value {
	return vm.heap.NewFunction(&FuncData{
		Image:     f.image,
		CodeIndex: uint16(codeIndex),
		Name:      fmt.Sprintf("fn@%d", codeIndex),
		Analysis:  f.analysis,
	})
}

func (vm *VM) execMakeFunction(f *Frame, k int) *VMError {
	if k >= len(f.image.CodeObjects) {
		return vm.invalidIndex("code object", k, len(f.image.CodeObjects))
	}
	return vm.push(vm.makeFunctionValue(f, k))
}

func (vm *VM) execMakeClosure(f *Frame, k, captureCount int) *VMError {
	if k >= len(f.image.CodeObjects) {
		return vm.invalidIndex("code object", k, len(f.image.CodeObjects))
	}
	captures := make([]Value, captureCount)
	for i := captureCount - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			for j := i + 1; j < captureCount; j++ {
				vm.heap.Release(captures[j])
			}
			return err
		}
		captures[i] = v
	}
	fnVal := vm.makeFunctionValue(f, k)
	return vm.push(vm.heap.NewClosure(fnVal.AsRef(), captures))
}

// Collection construction.

func (vm *VM) execBuildSequence(op bytecode.Opcode, n int) *VMError {
	start := len(vm.stack) - n
	if start < vm.base() {
		return vm.eb.makeError(FaultStackUnderflow,
			fmt.Sprintf("%s(%d) reaches below the current frame's stack base", op, n))
	}
	items := make([]Value, n)
	copy(items, vm.stack[start:])
	vm.stack = vm.stack[:start]

	switch op {
	case bytecode.OpBuildList:
		return vm.push(vm.heap.NewList(items))
	case bytecode.OpBuildTuple:
		return vm.push(vm.heap.NewTuple(items))
	}
	sv := vm.heap.NewSet()
	set := vm.heap.Get(sv.AsRef())
	for _, it := range items {
		if !set.setAdd(it) {
			vm.heap.Release(it)
		}
	}
	return vm.push(sv)
}

func (vm *VM) execBuildDict(n int) *VMError {
	start := len(vm.stack) - 2*n
	if start < vm.base() {
		return vm.eb.makeError(FaultStackUnderflow,
			fmt.Sprintf("BuildDict(%d) reaches below the current frame's stack base", n))
	}
	pairs := make([]Value, 2*n)
	copy(pairs, vm.stack[start:])
	vm.stack = vm.stack[:start]

	dv := vm.heap.NewDict()
	dict := vm.heap.Get(dv.AsRef())
	for i := 0; i < n; i++ {
		key, val := pairs[2*i], pairs[2*i+1]
		if !key.IsRef() || vm.heap.Get(key.AsRef()).Kind != OKString {
			kind := describe(vm.heap, key)
			for j := 2 * i; j < len(pairs); j++ {
				vm.heap.Release(pairs[j])
			}
			vm.heap.Release(dv)
			return vm.eb.typeError("dict key must be string, got %s", kind)
		}
		prev, _ := dict.dictSet(vm.heap.Get(key.AsRef()).Str, val)
		vm.heap.Release(prev)
		vm.heap.Release(key)
	}
	return vm.push(dv)
}

// Subscript operations.

func (vm *VM) execLoadSubscript() *VMError {
	idx, err := vm.pop()
	if err != nil {
		return err
	}
	c, err := vm.pop()
	if err != nil {
		vm.heap.Release(idx)
		return err
	}
	res, serr := vm.subscriptLoad(c, idx)
	vm.heap.Release(c)
	vm.heap.Release(idx)
	if serr != nil {
		return serr
	}
	return vm.push(res)
}

func (vm *VM) subscriptLoad(c, idx Value) (Value, *VMError) {
	if !c.IsRef() {
		return Null(), vm.eb.typeError("subscript of %s", c.Kind())
	}
	obj := vm.heap.Get(c.AsRef())
	switch obj.Kind {
	case OKList, OKTuple:
		i, err := vm.sequenceIndex(obj, idx)
		if err != nil {
			return Null(), err
		}
		v := obj.Items[i]
		vm.heap.Retain(v)
		return v, nil
	case OKDict:
		key, err := vm.dictKey(idx)
		if err != nil {
			return Null(), err
		}
		v, ok := obj.DictGet(key)
		if !ok {
			return Null(), vm.eb.makeError(FaultKey, fmt.Sprintf("no key %q", key))
		}
		vm.heap.Retain(v)
		return v, nil
	case OKSet:
		return Bool(obj.setHas(idx)), nil
	}
	return Null(), vm.eb.typeError("subscript of %s", obj.Kind)
}

func (vm *VM) execStoreSubscript() *VMError {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	idx, err := vm.pop()
	if err != nil {
		vm.heap.Release(v)
		return err
	}
	c, err := vm.pop()
	if err != nil {
		vm.heap.Release(v)
		vm.heap.Release(idx)
		return err
	}

	serr := vm.subscriptStore(c, idx, v)
	vm.heap.Release(c)
	vm.heap.Release(idx)
	return serr
}

// subscriptStore takes ownership of v on success and failure alike.
func (vm *VM) subscriptStore(c, idx, v Value) *VMError {
	fail := func(err *VMError) *VMError {
		vm.heap.Release(v)
		return err
	}
	if !c.IsRef() {
		return fail(vm.eb.typeError("subscript store on %s", c.Kind()))
	}
	obj := vm.heap.Get(c.AsRef())
	switch obj.Kind {
	case OKList:
		i, err := vm.sequenceIndex(obj, idx)
		if err != nil {
			return fail(err)
		}
		old := obj.Items[i]
		obj.Items[i] = v
		obj.Version++
		vm.heap.Release(old)
		return nil
	case OKDict:
		key, err := vm.dictKey(idx)
		if err != nil {
			return fail(err)
		}
		prev, _ := obj.dictSet(key, v)
		vm.heap.Release(prev)
		return nil
	case OKTuple, OKString:
		return fail(vm.eb.typeError("subscript store on immutable %s", obj.Kind))
	}
	return fail(vm.eb.typeError("subscript store on %s", obj.Kind))
}

func (vm *VM) execDeleteSubscript() *VMError {
	idx, err := vm.pop()
	if err != nil {
		return err
	}
	c, err := vm.pop()
	if err != nil {
		vm.heap.Release(idx)
		return err
	}
	serr := vm.subscriptDelete(c, idx)
	vm.heap.Release(c)
	vm.heap.Release(idx)
	return serr
}

func (vm *VM) subscriptDelete(c, idx Value) *VMError {
	if !c.IsRef() {
		return vm.eb.typeError("subscript delete on %s", c.Kind())
	}
	obj := vm.heap.Get(c.AsRef())
	switch obj.Kind {
	case OKList:
		i, err := vm.sequenceIndex(obj, idx)
		if err != nil {
			return err
		}
		removed := obj.Items[i]
		obj.Items = append(obj.Items[:i], obj.Items[i+1:]...)
		obj.Version++
		vm.heap.Release(removed)
		return nil
	case OKDict:
		key, err := vm.dictKey(idx)
		if err != nil {
			return err
		}
		prev, ok := obj.dictDelete(key)
		if !ok {
			return vm.eb.makeError(FaultKey, fmt.Sprintf("no key %q", key))
		}
		vm.heap.Release(prev)
		return nil
	case OKSet:
		if !obj.setDelete(idx) {
			return vm.eb.makeError(FaultKey,
				fmt.Sprintf("element %s not in set", vm.heap.Render(idx)))
		}
		// The set owned one reference to the stored element, which is
		// bitwise identical to idx.
		vm.heap.Release(idx)
		return nil
	case OKTuple, OKString:
		return vm.eb.typeError("subscript delete on immutable %s", obj.Kind)
	}
	return vm.eb.typeError("subscript delete on %s", obj.Kind)
}

// sequenceIndex resolves idx against a list or tuple, counting negative
// indices from the end.
func (vm *VM) sequenceIndex(obj *Object, idx Value) (int, *VMError) {
	if idx.Kind() != KInt {
		return 0, vm.eb.typeError("%s index must be int, got %s", obj.Kind, describe(vm.heap, idx))
	}
	i := idx.AsInt()
	n := int64(len(obj.Items))
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, vm.eb.makeError(FaultIndex,
			fmt.Sprintf("index %d out of range for %s of length %d", idx.AsInt(), obj.Kind, n))
	}
	return int(i), nil
}

func (vm *VM) dictKey(idx Value) (string, *VMError) {
	if idx.IsRef() {
		if o := vm.heap.Get(idx.AsRef()); o.Kind == OKString {
			return o.Str, nil
		}
	}
	return "", vm.eb.typeError("dict key must be string, got %s", describe(vm.heap, idx))
}

// Iteration.

func (vm *VM) execGetIter() *VMError {
	c, err := vm.pop()
	if err != nil {
		return err
	}
	if !c.IsRef() {
		kind := c.Kind().String()
		vm.heap.Release(c)
		return vm.eb.typeError("%s is not iterable", kind)
	}
	obj := vm.heap.Get(c.AsRef())
	switch obj.Kind {
	case OKList, OKTuple, OKSet, OKDict:
		// The iterator takes over the popped reference to the container.
		return vm.push(vm.heap.NewIterator(c.AsRef(), obj.Version))
	}
	kind := obj.Kind.String()
	vm.heap.Release(c)
	return vm.eb.typeError("%s is not iterable", kind)
}

func (vm *VM) execForIter(f *Frame, target int) *VMError {
	it, err := vm.peek(0)
	if err != nil {
		return err
	}
	if !it.IsRef() || vm.heap.Get(it.AsRef()).Kind != OKIterator {
		return vm.eb.typeError("ForIter on %s", describe(vm.heap, it))
	}
	d := vm.heap.Get(it.AsRef()).Iter
	cont := vm.heap.Get(d.Container)

	switch cont.Kind {
	case OKList, OKDict, OKSet:
		if cont.Version != d.Version {
			return vm.eb.makeError(FaultConcurrentMod,
				fmt.Sprintf("%s mutated during iteration", cont.Kind))
		}
	}

	if d.Cursor >= cont.Len() {
		popped, perr := vm.pop()
		if perr != nil {
			return perr
		}
		vm.heap.Release(popped)
		return vm.jumpTo(f, target)
	}

	var elem Value
	switch cont.Kind {
	case OKList, OKTuple, OKSet:
		elem = cont.Items[d.Cursor]
		vm.heap.Retain(elem)
	case OKDict:
		elem = vm.heap.NewString(cont.Keys[d.Cursor])
	}
	d.Cursor++
	return vm.push(elem)
}

// Imports.

func (vm *VM) execImportName(f *Frame, k, minDepth int) *VMError {
	if k >= len(f.image.Strings) {
		return vm.invalidIndex("string", k, len(f.image.Strings))
	}
	name := f.image.Strings[k]
	if vm.importer == nil {
		return vm.raiseKind("ResolveError", "no module loader configured", minDepth)
	}
	exports, err := vm.importer.Import(name)
	if err != nil {
		kind := "ResolveError"
		if fault, ok := err.(ImportFault); ok {
			kind = fault.ExceptionKind()
		}
		return vm.raiseKind(kind, err.Error(), minDepth)
	}
	vm.heap.Retain(exports)
	return vm.push(exports)
}

func (vm *VM) execImportFrom(f *Frame, k int) *VMError {
	if k >= len(f.image.Strings) {
		return vm.invalidIndex("string", k, len(f.image.Strings))
	}
	name := f.image.Strings[k]
	mod, err := vm.pop()
	if err != nil {
		return err
	}
	if !mod.IsRef() || vm.heap.Get(mod.AsRef()).Kind != OKDict {
		kind := describe(vm.heap, mod)
		vm.heap.Release(mod)
		return vm.eb.typeError("ImportFrom on %s", kind)
	}
	v, ok := vm.heap.Get(mod.AsRef()).DictGet(name)
	if !ok {
		vm.heap.Release(mod)
		return vm.eb.makeError(FaultKey, fmt.Sprintf("module has no export %q", name))
	}
	vm.heap.Retain(v)
	vm.heap.Release(mod)
	return vm.push(v)
}

// Arithmetic.

// arith evaluates a binary arithmetic op over borrowed operands. The
// result is owned by the caller.
func (vm *VM) arith(op bytecode.Opcode, a, b Value) (Value, *VMError) {
	if op == bytecode.OpAdd && isString(vm.heap, a) && isString(vm.heap, b) {
		return vm.heap.NewString(vm.heap.Get(a.AsRef()).Str + vm.heap.Get(b.AsRef()).Str), nil
	}
	if !a.isNumeric() || !b.isNumeric() {
		return Null(), vm.eb.typeError("%s of %s and %s",
			op, describe(vm.heap, a), describe(vm.heap, b))
	}

	if a.Kind() == KInt && b.Kind() == KInt {
		return vm.intArith(op, a.AsInt(), b.AsInt())
	}
	x, y := a.asPromotedFloat(), b.asPromotedFloat()
	switch op {
	case bytecode.OpAdd:
		return Float(x + y), nil
	case bytecode.OpSub:
		return Float(x - y), nil
	case bytecode.OpMul:
		return Float(x * y), nil
	case bytecode.OpDiv:
		return Float(x / y), nil
	case bytecode.OpMod:
		return Float(math.Mod(x, y)), nil
	case bytecode.OpPow:
		return Float(math.Pow(x, y)), nil
	}
	return Null(), vm.eb.typeError("%s is not arithmetic", op)
}

// intArith wraps results into the 63-bit range in release mode. Debug
// mode panics on the two undefined points of two's-complement.
func (vm *VM) intArith(op bytecode.Opcode, x, y int64) (Value, *VMError) {
	switch op {
	case bytecode.OpAdd:
		return Int(x + y), nil
	case bytecode.OpSub:
		return Int(x - y), nil
	case bytecode.OpMul:
		return Int(x * y), nil
	case bytecode.OpDiv:
		if y == 0 {
			return Null(), vm.eb.makeError(FaultDivisionByZero, "integer division by zero")
		}
		if x == IntMin && y == -1 {
			if vm.opts.Debug {
				panic("vm: integer overflow in division")
			}
			return Int(IntMin), nil
		}
		return Int(x / y), nil
	case bytecode.OpMod:
		if y == 0 {
			return Null(), vm.eb.makeError(FaultDivisionByZero, "integer modulo by zero")
		}
		if x == IntMin && y == -1 {
			return Int(0), nil
		}
		return Int(x % y), nil
	case bytecode.OpPow:
		return vm.intPow(x, y)
	}
	return Null(), vm.eb.typeError("%s is not arithmetic", op)
}

// intPow is truncated integer exponentiation, wrapping like Mul.
func (vm *VM) intPow(base, exp int64) (Value, *VMError) {
	if exp < 0 {
		// Truncated reciprocal, matching integer division.
		switch {
		case base == 0:
			return Null(), vm.eb.makeError(FaultDivisionByZero, "zero to a negative power")
		case base == 1:
			return Int(1), nil
		case base == -1:
			if exp%2 == 0 {
				return Int(1), nil
			}
			return Int(-1), nil
		default:
			return Int(0), nil
		}
	}
	var result int64 = 1
	for exp > 0 {
		if exp&1 == 1 {
			result = foldInt(result * base)
		}
		base = foldInt(base * base)
		exp >>= 1
	}
	return Int(result), nil
}

func (vm *VM) negate(v Value) (Value, *VMError) {
	switch v.Kind() {
	case KInt:
		if v.AsInt() == IntMin && vm.opts.Debug {
			panic("vm: integer overflow in negation")
		}
		return Int(-v.AsInt()), nil
	case KFloat:
		return Float(-v.AsFloat()), nil
	}
	return Null(), vm.eb.typeError("negation of %s", describe(vm.heap, v))
}

// Comparison.

func (vm *VM) compare(op bytecode.Opcode, a, b Value) (Value, *VMError) {
	switch op {
	case bytecode.OpEq:
		return Bool(vm.heap.ValuesEqual(a, b)), nil
	case bytecode.OpNe:
		return Bool(!vm.heap.ValuesEqual(a, b)), nil
	}

	var cmp int
	switch {
	case a.isNumeric() && b.isNumeric():
		if a.Kind() == KInt && b.Kind() == KInt {
			x, y := a.AsInt(), b.AsInt()
			switch {
			case x < y:
				cmp = -1
			case x > y:
				cmp = 1
			}
		} else {
			x, y := a.asPromotedFloat(), b.asPromotedFloat()
			switch {
			case x < y:
				cmp = -1
			case x > y:
				cmp = 1
			}
		}
	case isString(vm.heap, a) && isString(vm.heap, b):
		x, y := vm.heap.Get(a.AsRef()).Str, vm.heap.Get(b.AsRef()).Str
		switch {
		case x < y:
			cmp = -1
		case x > y:
			cmp = 1
		}
	default:
		return Null(), vm.eb.typeError("ordered comparison of %s and %s",
			describe(vm.heap, a), describe(vm.heap, b))
	}

	switch op {
	case bytecode.OpLt:
		return Bool(cmp < 0), nil
	case bytecode.OpLe:
		return Bool(cmp <= 0), nil
	case bytecode.OpGt:
		return Bool(cmp > 0), nil
	}
	return Bool(cmp >= 0), nil
}

func isString(h *Heap, v Value) bool {
	return v.IsRef() && h.Get(v.AsRef()).Kind == OKString
}

// describe names a value's runtime type for error messages.
func describe(h *Heap, v Value) string {
	if v.IsRef() {
		return h.Get(v.AsRef()).Kind.String()
	}
	return v.Kind().String()
}
