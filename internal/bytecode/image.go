// Package bytecode defines the Ripple image format: the immutable,
// validated artifact a compiler emits and the VM executes. It contains
// the in-memory model (Image, CodeObject, Constant), the binary codec,
// the validator and a disassembler.
package bytecode

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Magic identifies a Ripple image file ("RPL1" when written
// little-endian).
const Magic uint32 = 0x314C5052

// FileExtension is the on-disk suffix for compiled images.
const FileExtension = ".rplc"

// Version numbers of the image format supported by this runtime.
// Images with a different major version are rejected by the validator.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
	VersionPatch uint16 = 0
)

// Reserved metadata keys.
const (
	// MetaExports maps export names to local slots of code object 0.
	// The value is a msgpack-encoded map[string]uint16.
	MetaExports = "exports"
	// MetaDependencies lists module names this image imports.
	// The value is a msgpack-encoded []string.
	MetaDependencies = "dependencies"
)

// ConstKind tags a Constant variant.
type ConstKind uint8

// Stable constant tags - part of the on-disk encoding.
const (
	ConstNull   ConstKind = 0
	ConstBool   ConstKind = 1
	ConstInt    ConstKind = 2
	ConstFloat  ConstKind = 3
	ConstString ConstKind = 4 // Index into Image.Strings
	ConstCode   ConstKind = 5 // Index into Image.CodeObjects
)

// Constant is one immutable literal from the image constant pool.
// Strings and code objects are held by index to avoid duplication.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Index uint32
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstNull:
		return "null"
	case ConstBool:
		return fmt.Sprintf("%t", c.Bool)
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("str#%d", c.Index)
	case ConstCode:
		return fmt.Sprintf("code#%d", c.Index)
	}
	return fmt.Sprintf("const(kind=%d)", c.Kind)
}

// ExceptionRange is one static try-range entry. Handler is an absolute
// position in the owning code object's bytecode; Depth is the operand
// stack depth the handler expects relative to the frame base.
type ExceptionRange struct {
	TryStart uint32
	TryEnd   uint32
	Handler  uint32
	Depth    uint32
}

// LineEntry maps a bytecode offset to a source line for diagnostics.
type LineEntry struct {
	Offset uint32
	Line   uint32
}

// CodeObject is the compiled body of one function, or of the module
// top level for index 0. It is immutable once decoded.
type CodeObject struct {
	ParamCount uint16
	LocalCount uint16
	Code       []byte
	// Names indexes into the parent image's string table; it is the
	// name table used by attribute access and export fallback.
	Names []uint16
	// Constants indexes into the parent image's constant pool and
	// records which constants this body may load.
	Constants []uint16
	Ranges    []ExceptionRange
	// Lines is optional; empty means no source mapping was emitted.
	Lines []LineEntry
}

// LineFor returns the source line for a bytecode offset, or 0 when the
// image carries no line map.
func (co *CodeObject) LineFor(offset int) uint32 {
	var line uint32
	for _, e := range co.Lines {
		if int(e.Offset) > offset {
			break
		}
		line = e.Line
	}
	return line
}

// Image is a module's compiled artifact. Entry point is CodeObjects[0].
// Once validated an image is immutable and may be shared freely between
// frames, closures and the loader cache.
type Image struct {
	Version     [3]uint16
	Constants   []Constant
	Strings     []string
	CodeObjects []CodeObject
	Metadata    map[string][]byte
}

// Entry returns the module top-level code object.
func (img *Image) Entry() *CodeObject {
	return &img.CodeObjects[0]
}

// Exports decodes the reserved "exports" metadata entry. A missing key
// yields (nil, nil); callers fall back to the entry code object's name
// table in that case.
func (img *Image) Exports() (map[string]uint16, error) {
	raw, ok := img.Metadata[MetaExports]
	if !ok {
		return nil, nil
	}
	var exports map[string]uint16
	if err := msgpack.Unmarshal(raw, &exports); err != nil {
		return nil, fmt.Errorf("decode %q metadata: %w", MetaExports, err)
	}
	return exports, nil
}

// SetExports encodes and stores the reserved "exports" metadata entry.
func (img *Image) SetExports(exports map[string]uint16) error {
	raw, err := msgpack.Marshal(exports)
	if err != nil {
		return fmt.Errorf("encode %q metadata: %w", MetaExports, err)
	}
	if img.Metadata == nil {
		img.Metadata = make(map[string][]byte, 2)
	}
	img.Metadata[MetaExports] = raw
	return nil
}

// Dependencies decodes the reserved "dependencies" metadata entry.
// A missing key yields an empty list.
func (img *Image) Dependencies() ([]string, error) {
	raw, ok := img.Metadata[MetaDependencies]
	if !ok {
		return nil, nil
	}
	var deps []string
	if err := msgpack.Unmarshal(raw, &deps); err != nil {
		return nil, fmt.Errorf("decode %q metadata: %w", MetaDependencies, err)
	}
	return deps, nil
}

// SetDependencies encodes and stores the reserved "dependencies" entry.
func (img *Image) SetDependencies(deps []string) error {
	raw, err := msgpack.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode %q metadata: %w", MetaDependencies, err)
	}
	if img.Metadata == nil {
		img.Metadata = make(map[string][]byte, 2)
	}
	img.Metadata[MetaDependencies] = raw
	return nil
}

// InternString returns the index of s in the string table, appending it
// if absent. Used by image builders; decoded images never grow.
func (img *Image) InternString(s string) uint16 {
	for i, existing := range img.Strings {
		if existing == s {
			return uint16(i)
		}
	}
	img.Strings = append(img.Strings, s)
	return uint16(len(img.Strings) - 1)
}

// AddConstant appends c to the constant pool and returns its index.
func (img *Image) AddConstant(c Constant) uint16 {
	img.Constants = append(img.Constants, c)
	return uint16(len(img.Constants) - 1)
}
