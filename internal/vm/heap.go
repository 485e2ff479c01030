package vm

import (
	"fmt"
	"strings"
)

// HeapStats is a point-in-time snapshot of heap counters.
type HeapStats struct {
	Live          int    // currently live objects
	TotalAllocs   uint64 // objects allocated since VM creation
	BytesEstimate int64  // approximate resident payload bytes
	Collections   uint64 // completed cycle passes
	LastFreed     int    // objects reclaimed by the last cycle pass
	Suspects      int    // current size of the cycle root buffer
}

// Heap owns every runtime object of one VM instance. Lifetimes are
// tracked by strong reference counts; objects that can participate in
// reference cycles additionally go through the trial-deletion collector
// in gc.go.
type Heap struct {
	objs map[Handle]*Object
	next Handle

	// suspects is the cycle root buffer: objects whose refcount was
	// decremented without reaching zero since the last collection.
	suspects []Handle

	intern map[string]Handle // opportunistic string interning (weak)

	allocsSinceGC int
	bytes         int64
	stats         HeapStats
	epoch         uint64
	nextReactive  uint64

	// collecting suppresses re-entrant trigger checks while a pass runs.
	collecting bool

	vm *VM
}

func newHeap(vm *VM) *Heap {
	return &Heap{
		objs:   make(map[Handle]*Object, 128),
		next:   1,
		intern: make(map[string]Handle),
		vm:     vm,
	}
}

// Get returns the object behind h. An invalid handle is a VM bug, not a
// runtime condition, so it panics.
func (h *Heap) Get(handle Handle) *Object {
	obj, ok := h.objs[handle]
	if !ok {
		panic(fmt.Sprintf("vm: dangling heap handle %d", handle))
	}
	return obj
}

// Contains reports whether handle names a live object.
func (h *Heap) Contains(handle Handle) bool {
	_, ok := h.objs[handle]
	return ok
}

// Live returns the number of live objects.
func (h *Heap) Live() int { return len(h.objs) }

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	s.Live = len(h.objs)
	s.BytesEstimate = h.bytes
	s.Suspects = len(h.suspects)
	return s
}

func (h *Heap) alloc(kind ObjectKind) (Handle, *Object) {
	handle := h.next
	h.next++
	obj := &Object{Kind: kind, rc: 1}
	h.objs[handle] = obj
	h.stats.TotalAllocs++
	h.allocsSinceGC++
	if h.vm != nil && h.vm.tracer != nil {
		h.vm.tracer.HeapAlloc(handle, kind)
	}
	h.maybeCollect()
	return handle, obj
}

// sizeEstimate approximates the payload footprint of obj for the byte
// trigger. It is deliberately rough; precision is not part of the
// contract.
func sizeEstimate(obj *Object) int64 {
	const base = 64
	switch obj.Kind {
	case OKString:
		return base + int64(len(obj.Str))
	case OKList, OKTuple, OKSet:
		return base + int64(cap(obj.Items))*16
	case OKDict:
		return base + int64(len(obj.Keys))*48
	default:
		return base
	}
}

// Allocation API. Container constructors take ownership of the
// reference counts already held on their element values.

// NewString allocates (or re-uses an interned) immutable string.
// Interned handles are revived by retaining; the intern table itself
// holds no strong reference.
func (h *Heap) NewString(s string) Value {
	if existing, ok := h.intern[s]; ok {
		h.retain(existing)
		return Ref(existing)
	}
	handle, obj := h.alloc(OKString)
	obj.Str = s
	h.bytes += sizeEstimate(obj)
	if len(s) <= 64 {
		h.intern[s] = handle
	}
	return Ref(handle)
}

// NewList allocates a mutable list owning items.
func (h *Heap) NewList(items []Value) Value {
	handle, obj := h.alloc(OKList)
	obj.Items = items
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewTuple allocates an immutable tuple owning items.
func (h *Heap) NewTuple(items []Value) Value {
	handle, obj := h.alloc(OKTuple)
	obj.Items = items
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewDict allocates an empty dict.
func (h *Heap) NewDict() Value {
	handle, obj := h.alloc(OKDict)
	obj.Entries = make(map[string]Value, 8)
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewSet allocates an empty set.
func (h *Heap) NewSet() Value {
	handle, obj := h.alloc(OKSet)
	obj.SetIndex = make(map[Value]int, 8)
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewFunction allocates a function object owning fn.Defaults.
func (h *Heap) NewFunction(fn *FuncData) Value {
	handle, obj := h.alloc(OKFunction)
	obj.Fn = fn
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewClosure allocates a closure owning one reference to fnHandle and
// the captured values.
func (h *Heap) NewClosure(fnHandle Handle, captures []Value) Value {
	handle, obj := h.alloc(OKClosure)
	obj.Closure = fnHandle
	obj.Captures = captures
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewBuiltin allocates a host-callback object.
func (h *Heap) NewBuiltin(name string, fn BuiltinFunc) Value {
	handle, obj := h.alloc(OKBuiltin)
	obj.Builtin = &BuiltinData{Name: name, Fn: fn}
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// NewIterator allocates an iterator owning one reference to container.
func (h *Heap) NewIterator(container Handle, version uint64) Value {
	handle, obj := h.alloc(OKIterator)
	obj.Iter = &IterData{Container: container, Version: version}
	h.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// Reference counting.

// Retain increments the reference count behind v if it is a heap
// reference.
func (h *Heap) Retain(v Value) {
	if v.IsRef() {
		h.retain(v.AsRef())
	}
}

// Release decrements the reference count behind v if it is a heap
// reference, reclaiming at zero and buffering a cycle suspect
// otherwise.
func (h *Heap) Release(v Value) {
	if v.IsRef() {
		h.release(v.AsRef())
	}
}

func (h *Heap) retain(handle Handle) {
	obj := h.Get(handle)
	obj.rc++
	// A retained object is live by definition; clear any suspicion so
	// the collector does not treat stale buffer entries as roots.
	obj.color = colorBlack
}

func (h *Heap) release(handle Handle) {
	obj := h.Get(handle)
	obj.rc--
	if obj.rc < 0 {
		panic(fmt.Sprintf("vm: negative refcount on handle %d (%s)", handle, obj.Kind))
	}
	if obj.rc == 0 {
		h.free(handle, obj)
		return
	}
	if obj.canFormCycle() && !obj.buffered {
		obj.color = colorPurple
		obj.buffered = true
		h.suspects = append(h.suspects, handle)
	} else if obj.canFormCycle() {
		obj.color = colorPurple
	}
}

// free reclaims obj and cascades releases through everything it owned.
// Iterative so deeply nested structures cannot overflow the Go stack.
func (h *Heap) free(handle Handle, obj *Object) {
	type pending struct {
		handle Handle
		obj    *Object
	}
	work := []pending{{handle, obj}}
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]

		h.detach(p.handle, p.obj)

		p.obj.eachRef(func(child Handle) {
			c := h.Get(child)
			c.rc--
			if c.rc < 0 {
				panic(fmt.Sprintf("vm: negative refcount on handle %d (%s)", child, c.Kind))
			}
			if c.rc == 0 {
				work = append(work, pending{child, c})
			} else if c.canFormCycle() && !c.buffered {
				c.color = colorPurple
				c.buffered = true
				h.suspects = append(h.suspects, child)
			}
		})
	}
}

// detach removes a single object from every heap index without touching
// children.
func (h *Heap) detach(handle Handle, obj *Object) {
	if obj.Kind == OKString {
		if in, ok := h.intern[obj.Str]; ok && in == handle {
			delete(h.intern, obj.Str)
		}
	}
	h.bytes -= sizeEstimate(obj)
	delete(h.objs, handle)
	// The suspect buffer may still hold the handle; the collector skips
	// entries whose object is gone.
	if h.vm != nil && h.vm.tracer != nil {
		h.vm.tracer.HeapFree(handle, obj.Kind)
	}
}

// Embedder container access. These wrap the internal mutation helpers
// with the same ownership rules the opcodes follow.

// DictSet stores v under key in the dict d, taking ownership of v and
// releasing any displaced value.
func (h *Heap) DictSet(d Value, key string, v Value) {
	prev, _ := h.Get(d.AsRef()).dictSet(key, v)
	h.Release(prev)
}

// DictGet reads key from the dict d. The result is borrowed.
func (h *Heap) DictGet(d Value, key string) (Value, bool) {
	return h.Get(d.AsRef()).DictGet(key)
}

// ListAppend appends v to the list d, taking ownership of v.
func (h *Heap) ListAppend(d Value, v Value) {
	obj := h.Get(d.AsRef())
	obj.Items = append(obj.Items, v)
	obj.Version++
}

// Truthy implements the language truthiness rule: null, false, zero
// numbers and empty strings/containers are falsy.
func (h *Heap) Truthy(v Value) bool {
	switch v.Kind() {
	case KNull:
		return false
	case KBool:
		return v.AsBool()
	case KInt:
		return v.AsInt() != 0
	case KFloat:
		return v.AsFloat() != 0
	case KRef:
		obj := h.Get(v.AsRef())
		switch obj.Kind {
		case OKString, OKList, OKDict, OKSet, OKTuple:
			return obj.Len() != 0
		}
		return true
	}
	return false
}

// ValuesEqual implements Eq semantics: null equals only null, numerics
// compare with promotion, heap references compare by identity unless
// both referents are strings or tuples, which compare structurally.
func (h *Heap) ValuesEqual(a, b Value) bool {
	if a.isNumeric() && b.isNumeric() {
		if a.Kind() == KInt && b.Kind() == KInt {
			return a.AsInt() == b.AsInt()
		}
		return a.asPromotedFloat() == b.asPromotedFloat()
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case KNull:
		return true
	case KBool:
		return a.AsBool() == b.AsBool()
	case KRef:
		if a.AsRef() == b.AsRef() {
			return true
		}
		ao, bo := h.Get(a.AsRef()), h.Get(b.AsRef())
		if ao.Kind != bo.Kind {
			return false
		}
		switch ao.Kind {
		case OKString:
			return ao.Str == bo.Str
		case OKTuple:
			if len(ao.Items) != len(bo.Items) {
				return false
			}
			for i := range ao.Items {
				if !h.ValuesEqual(ao.Items[i], bo.Items[i]) {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

// Render formats v for human output, resolving heap references.
// Containers may be self-referential; a revisited container prints
// "..." instead of recursing.
func (h *Heap) Render(v Value) string {
	return h.render(v, nil, false)
}

func (h *Heap) render(v Value, visiting map[Handle]bool, nested bool) string {
	if !v.IsRef() {
		return v.String()
	}
	handle := v.AsRef()
	obj := h.Get(handle)
	switch obj.Kind {
	case OKString:
		if nested {
			return fmt.Sprintf("%q", obj.Str)
		}
		return obj.Str
	case OKList, OKTuple, OKSet, OKDict:
		if visiting[handle] {
			return "..."
		}
		if visiting == nil {
			visiting = make(map[Handle]bool)
		}
		visiting[handle] = true
		defer delete(visiting, handle)
		return h.renderContainer(obj, visiting)
	case OKFunction:
		return fmt.Sprintf("<function %s>", obj.Fn.Name)
	case OKClosure:
		return "<closure>"
	case OKBuiltin:
		return fmt.Sprintf("<builtin %s>", obj.Builtin.Name)
	case OKIterator:
		return "<iterator>"
	case OKSignal:
		return fmt.Sprintf("<signal %d>", obj.Signal.ID)
	case OKComputed:
		return fmt.Sprintf("<computed %d>", obj.Computed.ID)
	}
	return v.String()
}

func (h *Heap) renderContainer(obj *Object, visiting map[Handle]bool) string {
	var sb strings.Builder
	switch obj.Kind {
	case OKList, OKTuple:
		opening, closing := "[", "]"
		if obj.Kind == OKTuple {
			opening, closing = "(", ")"
		}
		sb.WriteString(opening)
		for i, it := range obj.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(h.render(it, visiting, true))
		}
		sb.WriteString(closing)
	case OKSet:
		sb.WriteString("{")
		for i, it := range obj.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(h.render(it, visiting, true))
		}
		sb.WriteString("}")
	case OKDict:
		sb.WriteString("{")
		for i, k := range obj.Keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%q: %s", k, h.render(obj.Entries[k], visiting, true))
		}
		sb.WriteString("}")
	}
	return sb.String()
}
