package bytecode

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// Builder assembles an Image in memory. It is the programmatic
// counterpart of the binary decoder: compilers targeting the VM and the
// test suites both go through it, so emitted images satisfy the same
// invariants the validator checks.
type Builder struct {
	img Image
}

// NewBuilder returns a Builder for an image at the current format
// version.
func NewBuilder() *Builder {
	return &Builder{
		img: Image{
			Version:  [3]uint16{VersionMajor, VersionMinor, VersionPatch},
			Metadata: make(map[string][]byte, 2),
		},
	}
}

// Image finalizes and returns the assembled image. The builder must not
// be reused afterwards.
func (b *Builder) Image() *Image {
	return &b.img
}

// String interns s and returns its string-table index.
func (b *Builder) String(s string) uint16 {
	return b.img.InternString(s)
}

// ConstNull, ConstBool, ConstInt, ConstFloat, ConstString and ConstCode
// append pool entries and return their indices.

func (b *Builder) Null() uint16  { return b.img.AddConstant(Constant{Kind: ConstNull}) }
func (b *Builder) True() uint16  { return b.img.AddConstant(Constant{Kind: ConstBool, Bool: true}) }
func (b *Builder) False() uint16 { return b.img.AddConstant(Constant{Kind: ConstBool}) }

func (b *Builder) Int(v int64) uint16 {
	return b.img.AddConstant(Constant{Kind: ConstInt, Int: v})
}

func (b *Builder) Float(v float64) uint16 {
	return b.img.AddConstant(Constant{Kind: ConstFloat, Float: v})
}

func (b *Builder) Str(s string) uint16 {
	idx := b.img.InternString(s)
	return b.img.AddConstant(Constant{Kind: ConstString, Index: uint32(idx)})
}

func (b *Builder) Code(codeIndex uint16) uint16 {
	return b.img.AddConstant(Constant{Kind: ConstCode, Index: uint32(codeIndex)})
}

// CodeBuilder assembles the bytecode of one code object.
type CodeBuilder struct {
	parent *Builder
	co     CodeObject
}

// NewCode starts a code object with the given arity and local count.
// Code object 0 is the module entry point; it must be created first.
func (b *Builder) NewCode(paramCount, localCount uint16) *CodeBuilder {
	return &CodeBuilder{
		parent: b,
		co:     CodeObject{ParamCount: paramCount, LocalCount: localCount},
	}
}

// Pos returns the next instruction offset, used for absolute jump
// targets.
func (cb *CodeBuilder) Pos() uint32 {
	return uint32(len(cb.co.Code))
}

// Emit appends op and its immediates. Immediate count and width must
// match the opcode table; mismatches panic since they are emitter bugs,
// not runtime conditions.
func (cb *CodeBuilder) Emit(op Opcode, imms ...uint32) *CodeBuilder {
	info := Info(op)
	if info == nil {
		panic(fmt.Sprintf("bytecode: emit of undefined opcode 0x%02X", byte(op)))
	}
	if len(imms) != len(info.Imms) {
		panic(fmt.Sprintf("bytecode: %s takes %d immediates, got %d", info.Name, len(info.Imms), len(imms)))
	}
	cb.co.Code = append(cb.co.Code, byte(op))
	for i, imm := range imms {
		switch info.Imms[i] {
		case 2:
			v, err := safecast.Convert[uint16](imm)
			if err != nil {
				panic(fmt.Sprintf("bytecode: %s immediate %d overflows u16", info.Name, imm))
			}
			cb.co.Code = binary.LittleEndian.AppendUint16(cb.co.Code, v)
		case 4:
			cb.co.Code = binary.LittleEndian.AppendUint32(cb.co.Code, imm)
		}
	}
	return cb
}

// PatchTarget rewrites the u32 target immediate of the jump-family or
// exception-family instruction at pos. Used for forward jumps.
func (cb *CodeBuilder) PatchTarget(pos, target uint32) {
	binary.LittleEndian.PutUint32(cb.co.Code[pos+1:], target)
}

// Line records that instructions from the current position onward come
// from the given source line.
func (cb *CodeBuilder) Line(line uint32) *CodeBuilder {
	cb.co.Lines = append(cb.co.Lines, LineEntry{Offset: cb.Pos(), Line: line})
	return cb
}

// Range appends a static exception-table entry.
func (cb *CodeBuilder) Range(tryStart, tryEnd, handler, depth uint32) *CodeBuilder {
	cb.co.Ranges = append(cb.co.Ranges, ExceptionRange{
		TryStart: tryStart, TryEnd: tryEnd, Handler: handler, Depth: depth,
	})
	return cb
}

// Name records a string-table index in the code object's name table.
func (cb *CodeBuilder) Name(stringIndex uint16) uint16 {
	cb.co.Names = append(cb.co.Names, stringIndex)
	return uint16(len(cb.co.Names) - 1)
}

// UseConst records that this body loads the given pool constant.
func (cb *CodeBuilder) UseConst(constIndex uint16) *CodeBuilder {
	cb.co.Constants = append(cb.co.Constants, constIndex)
	return cb
}

// Seal appends the finished code object to the image and returns its
// index.
func (cb *CodeBuilder) Seal() uint16 {
	cb.parent.img.CodeObjects = append(cb.parent.img.CodeObjects, cb.co)
	return uint16(len(cb.parent.img.CodeObjects) - 1)
}
