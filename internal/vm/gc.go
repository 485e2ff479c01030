package vm

// Cycle collection by trial deletion (synchronous three-color variant).
// Reference counting reclaims acyclic garbage immediately; objects whose
// count was decremented without reaching zero are buffered as suspected
// cycle roots and examined here. Scratch counts are used instead of
// mutating the real counts, so an aborted pass can never corrupt the
// heap. The color scheme and the root buffer are the same concepts an
// incremental collector would use; only collectWhite would change.

// GC tuning defaults.
const (
	// DefaultGCAllocThreshold is the allocation count between automatic
	// cycle passes.
	DefaultGCAllocThreshold = 10_000
	// DefaultGCByteThreshold is the approximate resident byte count
	// that forces a cycle pass.
	DefaultGCByteThreshold = 64 << 20
)

// maybeCollect runs a cycle pass when an automatic trigger fires.
func (h *Heap) maybeCollect() {
	if h.collecting || h.vm == nil {
		return
	}
	if h.allocsSinceGC >= h.vm.opts.GCAllocThreshold ||
		h.bytes >= h.vm.opts.GCByteThreshold {
		h.Collect()
	}
}

// Collect runs one stop-the-world cycle pass and returns the number of
// objects reclaimed.
func (h *Heap) Collect() int {
	if h.collecting {
		return 0
	}
	h.collecting = true
	defer func() { h.collecting = false }()

	h.epoch++
	h.allocsSinceGC = 0

	// Filter the suspect buffer down to live purple roots.
	roots := h.suspects[:0]
	for _, handle := range h.suspects {
		obj, ok := h.objs[handle]
		if !ok {
			continue // reclaimed by refcounting since buffering
		}
		if obj.color == colorPurple {
			roots = append(roots, handle)
		} else {
			obj.buffered = false
		}
	}
	h.suspects = roots

	// Phase 1: mark-gray. Trial-delete every internal reference
	// reachable from the roots, tracked in scratch counts.
	for _, handle := range h.suspects {
		if obj, ok := h.objs[handle]; ok {
			h.markGray(handle, obj)
		}
	}

	// Phase 2: scan. Roots whose scratch count stayed positive are
	// externally referenced; everything they reach is live (black).
	// The rest is white.
	for _, handle := range h.suspects {
		if obj, ok := h.objs[handle]; ok {
			h.scan(handle, obj)
		}
	}

	// Phase 3: sweep-white.
	var white []Handle
	for _, handle := range h.suspects {
		if obj, ok := h.objs[handle]; ok {
			obj.buffered = false
			h.collectWhite(handle, obj, &white)
		}
	}
	h.suspects = h.suspects[:0]

	freed := len(white)
	h.reclaimCycle(white)

	h.stats.Collections++
	h.stats.LastFreed = freed
	if h.vm != nil && h.vm.tracer != nil {
		h.vm.tracer.GCPass(freed, len(h.objs))
	}
	return freed
}

// syncScratch lazily initializes the per-pass scratch count.
func (h *Heap) syncScratch(obj *Object) {
	if obj.gcEpoch != h.epoch {
		obj.gcEpoch = h.epoch
		obj.scratch = obj.rc
	}
}

func (h *Heap) markGray(handle Handle, obj *Object) {
	h.syncScratch(obj)
	if obj.color == colorGray {
		return
	}
	obj.color = colorGray
	obj.eachRef(func(child Handle) {
		c, ok := h.objs[child]
		if !ok {
			return
		}
		h.syncScratch(c)
		c.scratch--
		h.markGray(child, c)
	})
}

func (h *Heap) scan(handle Handle, obj *Object) {
	if obj.color != colorGray {
		return
	}
	h.syncScratch(obj)
	if obj.scratch > 0 {
		h.scanBlack(handle, obj)
		return
	}
	obj.color = colorWhite
	obj.eachRef(func(child Handle) {
		if c, ok := h.objs[child]; ok {
			h.scan(child, c)
		}
	})
}

// scanBlack repaints a live subgraph and restores the scratch counts
// its internal edges contributed.
func (h *Heap) scanBlack(handle Handle, obj *Object) {
	obj.color = colorBlack
	obj.eachRef(func(child Handle) {
		c, ok := h.objs[child]
		if !ok {
			return
		}
		h.syncScratch(c)
		c.scratch++
		if c.color != colorBlack {
			h.scanBlack(child, c)
		}
	})
}

func (h *Heap) collectWhite(handle Handle, obj *Object, white *[]Handle) {
	if obj.color != colorWhite || obj.buffered {
		return
	}
	obj.color = colorBlack // visited; prevents double collection
	*white = append(*white, handle)
	obj.eachRef(func(child Handle) {
		if c, ok := h.objs[child]; ok {
			h.collectWhite(child, c, white)
		}
	})
}

// reclaimCycle frees a whole white group at once. References from white
// objects into still-live objects are released normally; references
// between white members are dropped without cascading, since the whole
// group dies together.
func (h *Heap) reclaimCycle(white []Handle) {
	if len(white) == 0 {
		return
	}
	dying := make(map[Handle]struct{}, len(white))
	for _, handle := range white {
		dying[handle] = struct{}{}
	}
	for _, handle := range white {
		obj, ok := h.objs[handle]
		if !ok {
			continue
		}
		obj.eachRef(func(child Handle) {
			if _, inCycle := dying[child]; inCycle {
				return
			}
			if _, ok := h.objs[child]; ok {
				h.release(child)
			}
		})
		h.detach(handle, obj)
	}
}
