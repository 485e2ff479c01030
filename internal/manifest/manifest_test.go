package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[paths]
std = "lib/std"
vendor = "/opt/vendor"

[vm]
stack_cap = 4096
call_depth_cap = 64
debug = true

[gc]
alloc_threshold = 500
byte_threshold = 1048576
`

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sample)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Root != dir {
		t.Errorf("Root = %q, want %q", m.Root, dir)
	}
	if m.VM.StackCap != 4096 || m.VM.CallDepthCap != 64 || !m.VM.Debug {
		t.Errorf("vm section = %+v", m.VM)
	}
	if m.GC.AllocThreshold != 500 || m.GC.ByteThreshold != 1<<20 {
		t.Errorf("gc section = %+v", m.GC)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "[vm\nstack_cap = ")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed TOML")
	}
}

func TestFindWalksUpward(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, sample)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	path, err := Find(nested)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != filepath.Join(root, FileName) {
		t.Fatalf("Find = %q, want manifest at %q", path, root)
	}
}

func TestFindNotFound(t *testing.T) {
	if _, err := Find(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadNearestDefaults(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadNearest(dir)
	if err != nil {
		t.Fatalf("LoadNearest: %v", err)
	}
	if m.Root != dir {
		t.Errorf("Root = %q, want %q", m.Root, dir)
	}
	opts := m.Options()
	if opts.StackCap != 0 || opts.CallDepthCap != 0 || opts.Debug {
		t.Errorf("default options = %+v, want zero values", opts)
	}
}

func TestSearchPathsResolveAgainstRoot(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(writeManifest(t, dir, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	paths := m.SearchPaths()
	if got := paths["std"]; got != filepath.Join(dir, "lib", "std") {
		t.Errorf("std = %q", got)
	}
	if got := paths["vendor"]; got != "/opt/vendor" {
		t.Errorf("vendor = %q, absolute paths must pass through", got)
	}
}

func TestOptionsMapping(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(writeManifest(t, dir, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := m.Options()
	if opts.StackCap != 4096 || opts.CallDepthCap != 64 || !opts.Debug {
		t.Errorf("options = %+v", opts)
	}
	if opts.GCAllocThreshold != 500 || opts.GCByteThreshold != 1<<20 {
		t.Errorf("gc options = %+v", opts)
	}
}
