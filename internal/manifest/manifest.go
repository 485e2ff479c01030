// Package manifest parses ripple.toml, the optional project manifest
// that configures module search paths and VM resource limits.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"ripple/internal/vm"
)

// FileName is the manifest's expected basename.
const FileName = "ripple.toml"

// ErrNotFound indicates that no manifest exists at or above the
// starting directory.
var ErrNotFound = errors.New("no ripple.toml found")

// Manifest is the parsed project configuration. Zero values mean
// "use the default".
type Manifest struct {
	// Root is the directory the manifest was loaded from; relative
	// search paths resolve against it.
	Root string `toml:"-"`

	// Paths maps import prefixes to search directories.
	Paths map[string]string `toml:"paths"`

	VM vmSection `toml:"vm"`
	GC gcSection `toml:"gc"`
}

type vmSection struct {
	StackCap     int  `toml:"stack_cap"`
	CallDepthCap int  `toml:"call_depth_cap"`
	Debug        bool `toml:"debug"`
}

type gcSection struct {
	AllocThreshold int   `toml:"alloc_threshold"`
	ByteThreshold  int64 `toml:"byte_threshold"`
}

// Load parses the manifest at path.
func Load(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	m.Root = filepath.Dir(path)
	if m.Paths == nil {
		m.Paths = map[string]string{}
	}
	return &m, nil
}

// Find walks from dir upward looking for ripple.toml. Returns
// ErrNotFound when the filesystem root is reached without a hit.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// LoadNearest finds and parses the manifest governing dir. Absence is
// not an error: a default manifest rooted at dir is returned.
func LoadNearest(dir string) (*Manifest, error) {
	path, err := Find(dir)
	if errors.Is(err, ErrNotFound) {
		abs, aerr := filepath.Abs(dir)
		if aerr != nil {
			return nil, aerr
		}
		return &Manifest{Root: abs, Paths: map[string]string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// SearchPaths resolves the [paths] table against the manifest root,
// yielding absolute prefix -> directory entries.
func (m *Manifest) SearchPaths() map[string]string {
	out := make(map[string]string, len(m.Paths))
	for prefix, dir := range m.Paths {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(m.Root, dir)
		}
		out[prefix] = dir
	}
	return out
}

// Options translates the [vm] and [gc] sections into vm.Options.
// Unset fields keep the VM defaults.
func (m *Manifest) Options() vm.Options {
	return vm.Options{
		StackCap:         m.VM.StackCap,
		CallDepthCap:     m.VM.CallDepthCap,
		GCAllocThreshold: m.GC.AllocThreshold,
		GCByteThreshold:  m.GC.ByteThreshold,
		Debug:            m.VM.Debug,
	}
}
