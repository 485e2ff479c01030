package vm

// Reactive cells. A Signal is an observable value; a Computed is a
// memoized derivation recomputed lazily through the regular call
// machinery. Dependency edges are recorded in both directions and each
// direction holds a counted reference, so the cycle collector sees the
// reactive graph exactly as it owns itself: a reachable signal keeps
// its dependents alive, and a disconnected subgraph is reclaimed as one
// cycle.

// NewSignal allocates a signal cell holding initial. The initial value
// is borrowed; the returned reference is owned by the caller.
func (vm *VM) NewSignal(initial Value) Value {
	vm.heap.Retain(initial)
	handle, obj := vm.heap.alloc(OKSignal)
	vm.heap.nextReactive++
	obj.Signal = &SignalData{ID: vm.heap.nextReactive, Current: initial}
	vm.heap.bytes += sizeEstimate(obj)
	return Ref(handle)
}

// SignalValue reads a signal. Inside a recompute the read subscribes
// the active computed to the signal. The result is owned by the caller.
func (vm *VM) SignalValue(sig Value) (Value, *VMError) {
	obj, err := vm.reactiveObject(sig, OKSignal)
	if err != nil {
		return Null(), err
	}
	vm.noteDependency(sig.AsRef())
	vm.heap.Retain(obj.Signal.Current)
	return obj.Signal.Current, nil
}

// SetSignal writes a signal and marks every transitively dependent
// computed dirty. The new value is borrowed.
func (vm *VM) SetSignal(sig, v Value) *VMError {
	obj, err := vm.reactiveObject(sig, OKSignal)
	if err != nil {
		return err
	}
	vm.heap.Retain(v)
	old := obj.Signal.Current
	obj.Signal.Current = v
	vm.heap.Release(old)
	vm.markDirty(obj.Signal.Dependents)
	return nil
}

// NewComputed allocates a computed cell over fn, any callable invoked
// with no arguments. The cell starts dirty; fn is borrowed.
func (vm *VM) NewComputed(fn Value) (Value, *VMError) {
	if !fn.IsRef() {
		return Null(), vm.eb.typeError("computed body must be callable, got %s", fn.Kind())
	}
	switch vm.heap.Get(fn.AsRef()).Kind {
	case OKFunction, OKClosure, OKBuiltin:
	default:
		return Null(), vm.eb.typeError("computed body must be callable, got %s",
			vm.heap.Get(fn.AsRef()).Kind)
	}
	vm.heap.Retain(fn)
	handle, obj := vm.heap.alloc(OKComputed)
	vm.heap.nextReactive++
	obj.Computed = &ComputedData{ID: vm.heap.nextReactive, Dirty: true, Fn: fn}
	vm.heap.bytes += sizeEstimate(obj)
	return Ref(handle), nil
}

// ComputedValue reads a computed cell, recomputing first when dirty.
// During the recompute every signal or computed read subscribes this
// cell, replacing its previous dependency set. The result is owned by
// the caller.
func (vm *VM) ComputedValue(cv Value) (Value, *VMError) {
	obj, err := vm.reactiveObject(cv, OKComputed)
	if err != nil {
		return Null(), err
	}
	handle := cv.AsRef()
	d := obj.Computed

	if d.Dirty {
		vm.clearDeps(handle, d)
		vm.activeComputed = append(vm.activeComputed, handle)
		res, cerr := vm.CallValue(d.Fn, nil)
		vm.activeComputed = vm.activeComputed[:len(vm.activeComputed)-1]
		if cerr != nil {
			return Null(), cerr
		}
		vm.heap.Release(d.Cached)
		d.Cached = res
		d.Dirty = false
	}

	vm.noteDependency(handle)
	vm.heap.Retain(d.Cached)
	return d.Cached, nil
}

// ComputedDirty reports whether a recompute is pending (inspection).
func (vm *VM) ComputedDirty(cv Value) (bool, *VMError) {
	obj, err := vm.reactiveObject(cv, OKComputed)
	if err != nil {
		return false, err
	}
	return obj.Computed.Dirty, nil
}

func (vm *VM) reactiveObject(v Value, kind ObjectKind) (*Object, *VMError) {
	if !v.IsRef() {
		return nil, vm.eb.typeError("%s expected, got %s", kind, v.Kind())
	}
	obj := vm.heap.Get(v.AsRef())
	if obj.Kind != kind {
		return nil, vm.eb.typeError("%s expected, got %s", kind, obj.Kind)
	}
	return obj, nil
}

// noteDependency subscribes the innermost recomputing cell to dep.
func (vm *VM) noteDependency(dep Handle) {
	if len(vm.activeComputed) == 0 {
		return
	}
	reader := vm.activeComputed[len(vm.activeComputed)-1]
	if reader == dep {
		return
	}
	rd := vm.heap.Get(reader).Computed
	for _, existing := range rd.Deps {
		if existing == dep {
			return
		}
	}
	vm.addEdge(dep, reader)
}

// addEdge records reader's subscription to dep. Both directions hold a
// counted reference, matching the ownership walk in Object.eachRef.
func (vm *VM) addEdge(dep, reader Handle) {
	depObj := vm.heap.Get(dep)
	switch depObj.Kind {
	case OKSignal:
		depObj.Signal.Dependents = append(depObj.Signal.Dependents, reader)
	case OKComputed:
		depObj.Computed.Dependents = append(depObj.Computed.Dependents, reader)
	default:
		return
	}
	vm.heap.retain(reader)
	rd := vm.heap.Get(reader).Computed
	rd.Deps = append(rd.Deps, dep)
	vm.heap.retain(dep)
}

// clearDeps unsubscribes the cell from every dependency before a
// recompute rebuilds the set.
func (vm *VM) clearDeps(handle Handle, d *ComputedData) {
	deps := d.Deps
	d.Deps = nil
	for _, dep := range deps {
		depObj := vm.heap.Get(dep)
		var list *[]Handle
		switch depObj.Kind {
		case OKSignal:
			list = &depObj.Signal.Dependents
		case OKComputed:
			list = &depObj.Computed.Dependents
		default:
			continue
		}
		for i, h := range *list {
			if h == handle {
				*list = append((*list)[:i], (*list)[i+1:]...)
				vm.heap.release(handle)
				break
			}
		}
		vm.heap.release(dep)
	}
}

// markDirty propagates a write through the dependents graph. Already
// dirty cells stop the walk, so diamond topologies stay linear.
func (vm *VM) markDirty(roots []Handle) {
	work := append([]Handle(nil), roots...)
	for len(work) > 0 {
		h := work[len(work)-1]
		work = work[:len(work)-1]
		obj := vm.heap.Get(h)
		if obj.Kind != OKComputed || obj.Computed.Dirty {
			continue
		}
		obj.Computed.Dirty = true
		work = append(work, obj.Computed.Dependents...)
	}
}
