package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ripple/internal/bytecode"
	"ripple/internal/vm"
)

func newTestLoader(t *testing.T, root string) (*vm.VM, *Loader) {
	t.Helper()
	machine := vm.New(vm.Options{Debug: true})
	return machine, New(machine, NewResolver(root, nil))
}

func writeImage(t *testing.T, dir, name string, img *bytecode.Image) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name+bytecode.FileExtension))
	if err != nil {
		t.Fatalf("create module file: %v", err)
	}
	defer f.Close()
	if err := bytecode.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
}

// constModule builds a module whose top level stores v in local 0 and
// returns it, exporting the slot under exportName when non-empty.
func constModule(t *testing.T, v int64, exportName string) *bytecode.Image {
	t.Helper()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(v)))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	img := b.Image()
	if exportName != "" {
		if err := img.SetExports(map[string]uint16{exportName: 0}); err != nil {
			t.Fatalf("SetExports: %v", err)
		}
	}
	return img
}

// importerModule builds a module whose top level imports target and
// returns its exports dict.
func importerModule(t *testing.T, target string) *bytecode.Image {
	t.Helper()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpImportName, uint32(b.String(target)))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	return b.Image()
}

func exportInt(t *testing.T, machine *vm.VM, m *LoadedModule, key string) int64 {
	t.Helper()
	v, ok := machine.Heap().DictGet(m.Exports, key)
	if !ok {
		t.Fatalf("module %s has no export %q (exports: %s)",
			m.Name, key, machine.Heap().Render(m.Exports))
	}
	if v.Kind() != vm.KInt {
		t.Fatalf("export %q = %s, want an int", key, machine.Heap().Render(v))
	}
	return v.AsInt()
}

func TestLoadExportsFromMetadata(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "answers", constModule(t, 42, "answer"))
	machine, ld := newTestLoader(t, dir)

	m, err := ld.Load("./answers")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := exportInt(t, machine, m, "answer"); got != 42 {
		t.Fatalf("answer = %d, want 42", got)
	}
	if m.Result.Kind() != vm.KInt || m.Result.AsInt() != 42 {
		t.Fatalf("module result = %s, want 42", machine.Heap().Render(m.Result))
	}
	if m.Path != filepath.Join(dir, "answers"+bytecode.FileExtension) {
		t.Fatalf("resolved path = %q", m.Path)
	}
}

func TestExportsNameTableFallback(t *testing.T) {
	dir := t.TempDir()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Name(b.String("seven")) // name 0 -> slot 0
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(7)))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Null()))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	writeImage(t, dir, "fallback", b.Image())

	machine, ld := newTestLoader(t, dir)
	m, err := ld.Load("./fallback")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := exportInt(t, machine, m, "seven"); got != 7 {
		t.Fatalf("seven = %d, want 7", got)
	}
}

func TestModuleRunsOnceAndCaches(t *testing.T) {
	dir := t.TempDir()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadGlobal, 0)
	cb.Emit(bytecode.OpCall, 0)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	img := b.Image()
	if err := img.SetExports(map[string]uint16{"n": 0}); err != nil {
		t.Fatalf("SetExports: %v", err)
	}
	writeImage(t, dir, "ticker", img)

	machine, ld := newTestLoader(t, dir)
	runs := 0
	machine.RegisterBuiltin(0, "tick", func(inner *vm.VM, args []vm.Value) (vm.Value, error) {
		runs++
		return vm.Int(int64(runs)), nil
	})

	first, err := ld.Load("./ticker")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := ld.Load("./ticker")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if first != second {
		t.Fatal("cache returned a different module on the second load")
	}
	if runs != 1 {
		t.Fatalf("module top level ran %d times, want 1", runs)
	}
	if !ld.Cached("./ticker") {
		t.Fatal("Cached reports a loaded module as absent")
	}

	ld.ClearCache()
	if ld.Cached("./ticker") {
		t.Fatal("module still cached after ClearCache")
	}
	third, err := ld.Load("./ticker")
	if err != nil {
		t.Fatalf("Load after ClearCache: %v", err)
	}
	if third == first {
		t.Fatal("ClearCache returned the stale module")
	}
	if runs != 2 {
		t.Fatalf("module ran %d times after a cache clear, want 2", runs)
	}
}

func TestCircularImport(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "x", importerModule(t, "./y"))
	writeImage(t, dir, "y", importerModule(t, "./x"))
	_, ld := newTestLoader(t, dir)

	_, err := ld.Load("./x")
	if err == nil {
		t.Fatal("circular import loaded successfully")
	}
	// The cycle is detected in y's frame and surfaces through the
	// import chain as failed module executions.
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T (%v), want *ExecError", err, err)
	}
	if !strings.Contains(err.Error(), "./x") {
		t.Fatalf("error does not name the failing module: %v", err)
	}
	if ld.Cached("./x") || ld.Cached("./y") {
		t.Fatal("a member of a failed import cycle was cached")
	}
}

func TestCircularImportViaDependencies(t *testing.T) {
	// The cycle lives in the declared dependency metadata, so it is
	// detected during preloading, before any module executes.
	dir := t.TempDir()
	x := constModule(t, 1, "x")
	if err := x.SetDependencies([]string{"./y"}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	y := constModule(t, 2, "y")
	if err := y.SetDependencies([]string{"./x"}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	writeImage(t, dir, "x", x)
	writeImage(t, dir, "y", y)
	_, ld := newTestLoader(t, dir)

	_, err := ld.Load("./x")
	var circErr *CircularImportError
	if !errors.As(err, &circErr) {
		t.Fatalf("err = %T (%v), want *CircularImportError", err, err)
	}
	for _, name := range []string{"./x", "./y"} {
		found := false
		for _, link := range circErr.Chain {
			if link == name {
				found = true
			}
		}
		if !found {
			t.Errorf("chain %v does not contain %s", circErr.Chain, name)
		}
	}
	if ld.Cached("./x") || ld.Cached("./y") {
		t.Fatal("a member of a failed import cycle was cached")
	}
}

func TestCircularImportChainMessage(t *testing.T) {
	err := &CircularImportError{Chain: []string{"./a", "./b", "./a"}}
	want := "circular import: ./a -> ./b -> ./a"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if err.ExceptionKind() != "CircularImport" {
		t.Fatalf("kind = %q", err.ExceptionKind())
	}
}

func TestSelfImport(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "self", importerModule(t, "./self"))
	_, ld := newTestLoader(t, dir)

	// Must fail cleanly rather than recurse.
	if _, err := ld.Load("./self"); err == nil {
		t.Fatal("self import loaded successfully")
	}
	if ld.Cached("./self") {
		t.Fatal("failed self import was cached")
	}
}

func TestResolveErrors(t *testing.T) {
	_, ld := newTestLoader(t, t.TempDir())
	for _, name := range []string{"", "plain", "nope:mod"} {
		_, err := ld.Load(name)
		var resErr *ResolveError
		if !errors.As(err, &resErr) {
			t.Errorf("Load(%q): err = %T (%v), want *ResolveError", name, err, err)
		}
	}
}

func TestResolverPrefixes(t *testing.T) {
	r := NewResolver("/proj", map[string]string{"std": "/lib/std"})
	r.AddPrefix("vendor", "/lib/vendor")

	cases := []struct {
		name, want string
	}{
		{"./util", filepath.Join("/proj", "util") + bytecode.FileExtension},
		{"../up", filepath.Join("/proj", "..", "up") + bytecode.FileExtension},
		{"std:io/file", filepath.Join("/lib/std", "io", "file") + bytecode.FileExtension},
		{"vendor:x", filepath.Join("/lib/vendor", "x") + bytecode.FileExtension},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.name)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDeserializeError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage"+bytecode.FileExtension)
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_, ld := newTestLoader(t, dir)

	_, err := ld.Load("./garbage")
	var desErr *DeserializeError
	if !errors.As(err, &desErr) {
		t.Fatalf("err = %T (%v), want *DeserializeError", err, err)
	}
}

func TestValidationErrorRejectsModule(t *testing.T) {
	dir := t.TempDir()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpReturn) // pops from an empty stack
	cb.Seal()
	writeImage(t, dir, "bad", b.Image())
	_, ld := newTestLoader(t, dir)

	_, err := ld.Load("./bad")
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %T (%v), want *ValidationError", err, err)
	}
	if ld.Cached("./bad") {
		t.Fatal("invalid module was cached")
	}
}

func TestDeclaredDependenciesPreload(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dep", constModule(t, 1, "one"))
	main := constModule(t, 2, "two")
	if err := main.SetDependencies([]string{"./dep"}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	writeImage(t, dir, "main", main)
	_, ld := newTestLoader(t, dir)

	if _, err := ld.Load("./main"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ld.Cached("./dep") {
		t.Fatal("declared dependency was not preloaded")
	}
	if got := len(ld.Modules()); got != 2 {
		t.Fatalf("Modules() lists %d entries, want 2", got)
	}
}

func TestImportThroughBytecode(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dep", constModule(t, 42, "x"))

	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpImportName, uint32(b.String("./dep")))
	cb.Emit(bytecode.OpImportFrom, uint32(b.String("x")))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	writeImage(t, dir, "main", b.Image())

	_, ld := newTestLoader(t, dir)
	m, err := ld.Load("./main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Result.Kind() != vm.KInt || m.Result.AsInt() != 42 {
		t.Fatalf("imported value = %s, want 42", m.Result)
	}
}

func TestImportFromMissingExport(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dep", constModule(t, 1, "x"))

	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpImportName, uint32(b.String("./dep")))
	cb.Emit(bytecode.OpImportFrom, uint32(b.String("absent")))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()
	writeImage(t, dir, "main", b.Image())

	_, ld := newTestLoader(t, dir)
	_, err := ld.Load("./main")
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T (%v), want *ExecError", err, err)
	}
	if execErr.Err.Code != vm.FaultUncaughtException {
		t.Fatalf("fault = %v", execErr.Err.Code)
	}
}

func TestExecErrorIsImportError(t *testing.T) {
	dir := t.TempDir()
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("boom")))
	cb.Emit(bytecode.OpRaise)
	cb.Seal()
	writeImage(t, dir, "raiser", b.Image())
	_, ld := newTestLoader(t, dir)

	_, err := ld.Load("./raiser")
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T (%v), want *ExecError", err, err)
	}
	if execErr.ExceptionKind() != "ImportError" {
		t.Fatalf("kind = %q, want ImportError", execErr.ExceptionKind())
	}
	if ld.Cached("./raiser") {
		t.Fatal("failed module was cached")
	}
}
