package vm

import (
	"ripple/internal/bytecode"
)

// ObjectKind identifies a heap object variant.
type ObjectKind uint8

const (
	// OKString is immutable UTF-8 content, interned opportunistically.
	OKString ObjectKind = iota + 1
	// OKList is a mutable ordered sequence.
	OKList
	// OKDict is a mutable mapping from string keys to values,
	// insertion-ordered for deterministic iteration.
	OKDict
	// OKSet is a mutable collection of unique scalar-or-reference
	// values, insertion-ordered for deterministic iteration.
	OKSet
	// OKTuple is an immutable ordered sequence.
	OKTuple
	// OKFunction is a callable compiled body.
	OKFunction
	// OKClosure is a function plus captured values.
	OKClosure
	// OKBuiltin is a host callback callable through the regular Call
	// machinery.
	OKBuiltin
	// OKIterator is a cursor over a container, holding a strong
	// reference to it.
	OKIterator
	// OKSignal is an observable reactive cell.
	OKSignal
	// OKComputed is a memoized derived reactive cell.
	OKComputed
)

// String returns a human-readable name for the object kind.
func (k ObjectKind) String() string {
	switch k {
	case OKString:
		return "string"
	case OKList:
		return "list"
	case OKDict:
		return "dict"
	case OKSet:
		return "set"
	case OKTuple:
		return "tuple"
	case OKFunction:
		return "function"
	case OKClosure:
		return "closure"
	case OKBuiltin:
		return "builtin"
	case OKIterator:
		return "iterator"
	case OKSignal:
		return "signal"
	case OKComputed:
		return "computed"
	}
	return "invalid"
}

// gcColor is the trial-deletion color flag.
type gcColor uint8

const (
	colorBlack  gcColor = iota // live, or not yet suspected
	colorPurple                // possible cycle root (in the suspect buffer)
	colorGray                  // visited by mark-gray
	colorWhite                 // potentially garbage
)

// FuncData is the payload of function objects.
type FuncData struct {
	Image     *bytecode.Image
	CodeIndex uint16
	Name      string
	// Defaults fill missing trailing arguments, right-aligned against
	// the parameter list.
	Defaults []Value
	// Analysis carries the validator's depth table for the owning
	// image, consulted in debug mode.
	Analysis *bytecode.Analysis
}

// BuiltinFunc is a host callback. It may reenter the VM through
// CallValue; it must not retain vm beyond the call.
type BuiltinFunc func(vm *VM, args []Value) (Value, error)

// BuiltinData is the payload of host-callback objects.
type BuiltinData struct {
	Name string
	Fn   BuiltinFunc
}

// IterData is the payload of iterator objects. Container is a strong
// reference; version is the container's mutation counter at creation,
// checked on every advance.
type IterData struct {
	Container Handle
	Cursor    int
	Version   uint64
}

// SignalData is the payload of reactive signal cells.
type SignalData struct {
	ID      uint64
	Current Value
	// Dependents lists computed cells subscribed to this signal. The
	// edge holds a counted reference: a reachable signal keeps its
	// dependents alive.
	Dependents []Handle
}

// ComputedData is the payload of reactive computed cells.
type ComputedData struct {
	ID     uint64
	Cached Value
	Dirty  bool
	// Fn is the callable recomputation body, invoked through the
	// regular call machinery.
	Fn Value
	// Deps lists the cells this computed read during its last
	// recomputation. Each dep's Dependents list holds the reverse edge;
	// the two sides are kept mutually consistent.
	Deps []Handle
	// Dependents lists computed cells that read this one.
	Dependents []Handle
}

// Object is a heap-resident value. Exactly one payload group is set,
// per Kind.
type Object struct {
	Kind ObjectKind

	rc       int32
	color    gcColor
	buffered bool   // present in the suspect buffer
	scratch  int32  // trial-deletion scratch refcount
	gcEpoch  uint64 // epoch the scratch count was initialized for

	// Version counts mutations of List, Dict and Set payloads so
	// iterators can detect concurrent modification.
	Version uint64

	Str      string
	Items    []Value          // List, Tuple elements; Set insertion order
	Entries  map[string]Value // Dict payload
	Keys     []string         // Dict insertion order
	SetIndex map[Value]int    // Set membership -> Items index

	Fn       *FuncData
	Closure  Handle  // Closure: the wrapped function object
	Captures []Value // Closure: captured free variables
	Builtin  *BuiltinData
	Iter     *IterData
	Signal   *SignalData
	Computed *ComputedData
}

// RefCount returns the object's current strong reference count.
func (o *Object) RefCount() int32 { return o.rc }

// canFormCycle reports whether the object belongs in the suspect buffer
// when a reference to it is dropped.
func (o *Object) canFormCycle() bool {
	switch o.Kind {
	case OKList, OKDict, OKSet, OKClosure, OKSignal, OKComputed:
		return true
	}
	return false
}

// Len returns the element count of container payloads.
func (o *Object) Len() int {
	switch o.Kind {
	case OKString:
		return len(o.Str)
	case OKList, OKTuple, OKSet:
		return len(o.Items)
	case OKDict:
		return len(o.Keys)
	}
	return 0
}

// DictGet looks a key up preserving insertion-order invariants.
func (o *Object) DictGet(key string) (Value, bool) {
	v, ok := o.Entries[key]
	return v, ok
}

// dictSet inserts or replaces a key. Returns the previous value and
// whether one existed; the caller owns releasing it.
func (o *Object) dictSet(key string, v Value) (Value, bool) {
	prev, existed := o.Entries[key]
	if !existed {
		o.Keys = append(o.Keys, key)
	}
	o.Entries[key] = v
	o.Version++
	return prev, existed
}

// dictDelete removes a key. Returns the removed value and whether it
// existed; the caller owns releasing it.
func (o *Object) dictDelete(key string) (Value, bool) {
	prev, existed := o.Entries[key]
	if !existed {
		return Null(), false
	}
	delete(o.Entries, key)
	for i, k := range o.Keys {
		if k == key {
			o.Keys = append(o.Keys[:i], o.Keys[i+1:]...)
			break
		}
	}
	o.Version++
	return prev, true
}

// setAdd inserts v if absent. Reports whether the set grew.
func (o *Object) setAdd(v Value) bool {
	if _, ok := o.SetIndex[v]; ok {
		return false
	}
	o.SetIndex[v] = len(o.Items)
	o.Items = append(o.Items, v)
	o.Version++
	return true
}

// setDelete removes v if present. Reports whether it was present; the
// caller owns releasing the removed value.
func (o *Object) setDelete(v Value) bool {
	idx, ok := o.SetIndex[v]
	if !ok {
		return false
	}
	delete(o.SetIndex, v)
	o.Items = append(o.Items[:idx], o.Items[idx+1:]...)
	for i := idx; i < len(o.Items); i++ {
		o.SetIndex[o.Items[i]] = i
	}
	o.Version++
	return true
}

// setHas reports membership.
func (o *Object) setHas(v Value) bool {
	_, ok := o.SetIndex[v]
	return ok
}

// eachRef invokes fn for every strong reference the object holds.
// This single walk defines the ownership graph for both the recursive
// release cascade and the cycle collector, reactive edges included.
func (o *Object) eachRef(fn func(Handle)) {
	visit := func(v Value) {
		if v.IsRef() {
			fn(v.AsRef())
		}
	}
	switch o.Kind {
	case OKList, OKTuple, OKSet:
		for _, v := range o.Items {
			visit(v)
		}
	case OKDict:
		// Iterate in key order for deterministic trace output.
		for _, k := range o.Keys {
			visit(o.Entries[k])
		}
	case OKFunction:
		for _, v := range o.Fn.Defaults {
			visit(v)
		}
	case OKClosure:
		if o.Closure != 0 {
			fn(o.Closure)
		}
		for _, v := range o.Captures {
			visit(v)
		}
	case OKIterator:
		if o.Iter.Container != 0 {
			fn(o.Iter.Container)
		}
	case OKSignal:
		visit(o.Signal.Current)
		for _, h := range o.Signal.Dependents {
			fn(h)
		}
	case OKComputed:
		visit(o.Computed.Cached)
		visit(o.Computed.Fn)
		for _, h := range o.Computed.Deps {
			fn(h)
		}
		for _, h := range o.Computed.Dependents {
			fn(h)
		}
	}
}
