package loader

import (
	"bytes"
	"fmt"
	"os"

	"ripple/internal/bytecode"
	"ripple/internal/vm"
)

// LoadedModule is one cached, executed module.
type LoadedModule struct {
	Name string
	Path string

	Image    *bytecode.Image
	Analysis *bytecode.Analysis

	// Exports is the module's exports dict. The cache owns one
	// reference; callers borrow.
	Exports vm.Value

	// Result is the value the module's top level returned at first
	// load. The cache owns one reference.
	Result vm.Value
}

// Loader owns the resolver, the module cache and the in-progress chain
// that detects circular imports. One loader serves one VM instance.
type Loader struct {
	res *Resolver
	vm  *vm.VM

	cache  map[string]*LoadedModule // resolved path -> module
	byName map[string]*LoadedModule

	inProgress map[string]bool
	chain      []string // in-progress names in import order
}

// New builds a loader over a VM and a resolver and installs itself as
// the VM's importer.
func New(machine *vm.VM, res *Resolver) *Loader {
	l := &Loader{
		res:        res,
		vm:         machine,
		cache:      make(map[string]*LoadedModule),
		byName:     make(map[string]*LoadedModule),
		inProgress: make(map[string]bool),
	}
	machine.SetImporter(l)
	return l
}

// Import implements vm.Importer. The returned exports dict is borrowed;
// the cache keeps its reference.
func (l *Loader) Import(name string) (vm.Value, error) {
	m, err := l.Load(name)
	if err != nil {
		return vm.Null(), err
	}
	return m.Exports, nil
}

// Load resolves, validates, executes and caches the named module. A
// second load of the same name returns the identical record.
func (l *Loader) Load(name string) (*LoadedModule, error) {
	if m, ok := l.byName[name]; ok {
		return m, nil
	}
	if l.inProgress[name] {
		chain := append(append([]string(nil), l.chain...), name)
		return nil, &CircularImportError{Chain: chain}
	}

	l.inProgress[name] = true
	l.chain = append(l.chain, name)
	defer func() {
		delete(l.inProgress, name)
		l.chain = l.chain[:len(l.chain)-1]
	}()

	path, err := l.res.Resolve(name)
	if err != nil {
		return nil, err
	}
	if m, ok := l.cache[path]; ok {
		l.byName[name] = m
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResolveError{Name: name, Reason: err.Error()}
	}
	img, err := bytecode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DeserializeError{Name: name, Err: err}
	}
	analysis, err := bytecode.Validate(img)
	if err != nil {
		return nil, &ValidationError{Name: name, Err: err}
	}

	deps, err := img.Dependencies()
	if err != nil {
		return nil, &DeserializeError{Name: name, Err: err}
	}
	for _, dep := range deps {
		if _, err := l.Load(dep); err != nil {
			return nil, err
		}
	}

	slots, err := l.exportSlots(name, img)
	if err != nil {
		return nil, err
	}

	// Modules run once, at first load; exports read the top-level
	// frame's final locals.
	result, locals, vmErr := l.vm.ExecModule(img, analysis)
	if vmErr != nil {
		return nil, &ExecError{Name: name, Err: vmErr}
	}
	exports, err := l.buildExports(name, slots, locals)
	for _, v := range locals {
		l.vm.ReleaseValue(v)
	}
	if err != nil {
		l.vm.ReleaseValue(result)
		return nil, err
	}

	m := &LoadedModule{
		Name:     name,
		Path:     path,
		Image:    img,
		Analysis: analysis,
		Exports:  exports,
		Result:   result,
	}
	l.cache[path] = m
	l.byName[name] = m
	return m, nil
}

// exportSlots reads the exports metadata, falling back to the entry
// code object's name table (name i -> slot i).
func (l *Loader) exportSlots(name string, img *bytecode.Image) (map[string]uint16, error) {
	slots, err := img.Exports()
	if err != nil {
		return nil, &DeserializeError{Name: name, Err: err}
	}
	if slots != nil {
		return slots, nil
	}
	entry := img.Entry()
	slots = make(map[string]uint16, len(entry.Names))
	for i, strIdx := range entry.Names {
		slots[img.Strings[strIdx]] = uint16(i)
	}
	return slots, nil
}

// buildExports assembles the exports dict from the finished top-level
// locals. Locals are borrowed; the returned dict is owned.
func (l *Loader) buildExports(name string, slots map[string]uint16, locals []vm.Value) (vm.Value, error) {
	heap := l.vm.Heap()
	dict := heap.NewDict()
	for exp, slot := range slots {
		if int(slot) >= len(locals) {
			l.vm.ReleaseValue(dict)
			return vm.Null(), &ValidationError{Name: name,
				Err: fmt.Errorf("export %q names local slot %d of %d", exp, slot, len(locals))}
		}
		heap.Retain(locals[slot])
		heap.DictSet(dict, exp, locals[slot])
	}
	return dict, nil
}

// Cached reports whether name is present in the cache.
func (l *Loader) Cached(name string) bool {
	_, ok := l.byName[name]
	return ok
}

// Modules returns the cached records in no particular order.
func (l *Loader) Modules() []*LoadedModule {
	out := make([]*LoadedModule, 0, len(l.cache))
	for _, m := range l.cache {
		out = append(out, m)
	}
	return out
}

// ClearCache drops every cached module, releasing the cache's
// references. The next load re-reads and re-validates from disk.
func (l *Loader) ClearCache() {
	for _, m := range l.cache {
		l.vm.ReleaseValue(m.Exports)
		l.vm.ReleaseValue(m.Result)
	}
	l.cache = make(map[string]*LoadedModule)
	l.byName = make(map[string]*LoadedModule)
}
