package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"ripple/internal/bytecode"
)

// Resolver maps module names to image paths. Two name forms exist:
// "prefix:relative/path" joins the prefix's search path, and a name
// beginning with "./" or "../" joins the project root. Results are
// memoized.
type Resolver struct {
	root     string
	prefixes map[string]string
	memo     map[string]string
}

// NewResolver builds a resolver over a project root and a prefix to
// search-path table.
func NewResolver(root string, prefixes map[string]string) *Resolver {
	p := make(map[string]string, len(prefixes))
	for k, v := range prefixes {
		p[k] = v
	}
	return &Resolver{root: root, prefixes: p, memo: make(map[string]string)}
}

// AddPrefix registers or replaces one search-path entry.
func (r *Resolver) AddPrefix(prefix, searchPath string) {
	r.prefixes[prefix] = searchPath
}

// Resolve turns a module name into an image path.
func (r *Resolver) Resolve(name string) (string, error) {
	if p, ok := r.memo[name]; ok {
		return p, nil
	}
	p, err := r.resolve(name)
	if err != nil {
		return "", err
	}
	r.memo[name] = p
	return p, nil
}

func (r *Resolver) resolve(name string) (string, error) {
	if name == "" {
		return "", &ResolveError{Name: name, Reason: "empty module name"}
	}
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		return filepath.Join(r.root, filepath.FromSlash(name)) + bytecode.FileExtension, nil
	}
	prefix, rel, ok := strings.Cut(name, ":")
	if !ok {
		return "", &ResolveError{Name: name,
			Reason: `module name must be "prefix:path" or start with "./" or "../"`}
	}
	base, ok := r.prefixes[prefix]
	if !ok {
		return "", &ResolveError{Name: name,
			Reason: fmt.Sprintf("unknown prefix %q", prefix)}
	}
	return filepath.Join(base, filepath.FromSlash(rel)) + bytecode.FileExtension, nil
}
