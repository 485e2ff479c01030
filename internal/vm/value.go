// Package vm implements the Ripple execution core: a stack-based
// bytecode interpreter over a reference-counted, cycle-collected heap.
package vm

import (
	"fmt"
	"math"
)

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	// KNull is the null value.
	KNull Kind = iota
	// KBool is a boolean.
	KBool
	// KInt is a 63-bit signed integer. Results of arithmetic wrap into
	// the 63-bit range.
	KInt
	// KFloat is an IEEE 754 double.
	KFloat
	// KRef is an opaque handle into the managed heap.
	KRef
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KNull:
		return "null"
	case KBool:
		return "bool"
	case KInt:
		return "int"
	case KFloat:
		return "float"
	case KRef:
		return "ref"
	}
	return "invalid"
}

// Handle names a heap object. Handles are monotonically increasing and
// never reused within a VM run; 0 is never a valid handle.
type Handle uint64

// Integer bounds of the 63-bit value range.
const (
	IntMax int64 = 1<<62 - 1
	IntMin int64 = -1 << 62
)

// Value is the VM's 64-bit tagged scalar plus its kind tag. Scalars are
// unboxed; aggregates live behind KRef handles. Value is comparable, so
// scalar identity (and heap-reference identity) is Go equality.
type Value struct {
	kind Kind
	bits uint64
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{kind: KBool, bits: bits}
}

// foldInt wraps v into the 63-bit signed range by sign-folding the top
// bit away.
func foldInt(v int64) int64 {
	return v << 1 >> 1
}

// Int returns an integer value, folded into the 63-bit range.
func Int(v int64) Value {
	return Value{kind: KInt, bits: uint64(foldInt(v))}
}

// Float returns a float value.
func Float(f float64) Value {
	return Value{kind: KFloat, bits: math.Float64bits(f)}
}

// Ref returns a heap-reference value.
func Ref(h Handle) Value {
	return Value{kind: KRef, bits: uint64(h)}
}

// Kind returns the value's kind tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KNull }

// IsRef reports whether v is a heap reference.
func (v Value) IsRef() bool { return v.kind == KRef }

// AsBool returns the boolean payload. Valid only for KBool.
func (v Value) AsBool() bool { return v.bits != 0 }

// AsInt returns the integer payload. Valid only for KInt.
func (v Value) AsInt() int64 { return int64(v.bits) }

// AsFloat returns the float payload. Valid only for KFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

// AsRef returns the heap handle. Valid only for KRef.
func (v Value) AsRef() Handle { return Handle(v.bits) }

// String renders scalars directly and references by handle. Heap-aware
// rendering lives on the heap (Heap.Render).
func (v Value) String() string {
	switch v.kind {
	case KNull:
		return "null"
	case KBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case KRef:
		return fmt.Sprintf("<ref %d>", v.AsRef())
	}
	return "<invalid>"
}

// numeric promotion helpers

func (v Value) isNumeric() bool {
	return v.kind == KInt || v.kind == KFloat
}

// asPromotedFloat widens either numeric kind to float64.
func (v Value) asPromotedFloat() float64 {
	if v.kind == KInt {
		return float64(v.AsInt())
	}
	return v.AsFloat()
}
