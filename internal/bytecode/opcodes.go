package bytecode

import "fmt"

// Opcode is a single-byte instruction tag. Opcodes are grouped into
// contiguous numeric families so the interpreter can dispatch through a
// dense table and the validator can reason about immediates uniformly.
type Opcode byte

// Stable opcode values - do not change; images on disk depend on them.
// The range 0xB0-0xEF is reserved for future control-flow extensions.
const (
	// Stack family (0x00-0x0F).
	OpLoadConst   Opcode = 0x00 // push constants[k]          imm: u16 k
	OpLoadLocal   Opcode = 0x01 // push locals[i]             imm: u16 i
	OpStoreLocal  Opcode = 0x02 // locals[i] = pop            imm: u16 i
	OpLoadGlobal  Opcode = 0x03 // push globals[g]            imm: u16 g
	OpStoreGlobal Opcode = 0x04 // globals[g] = pop           imm: u16 g
	OpLoadAttr    Opcode = 0x05 // push pop()[strings[k]]     imm: u16 k
	OpStoreAttr   Opcode = 0x06 // pop obj, v; obj[name] = v  imm: u16 k
	OpPop         Opcode = 0x07 // discard top
	OpDup         Opcode = 0x08 // duplicate top

	// Arithmetic family (0x10-0x1F).
	OpAdd Opcode = 0x10
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpMod Opcode = 0x14
	OpPow Opcode = 0x15
	OpNeg Opcode = 0x16

	// Comparison family (0x20-0x2F).
	OpEq Opcode = 0x20
	OpNe Opcode = 0x21
	OpLt Opcode = 0x22
	OpLe Opcode = 0x23
	OpGt Opcode = 0x24
	OpGe Opcode = 0x25

	// Logical family (0x30-0x3F). Operands coerce by truthiness.
	OpAnd Opcode = 0x30
	OpOr  Opcode = 0x31
	OpNot Opcode = 0x32

	// Control-flow family (0x40-0x4F). Targets are absolute byte
	// positions within the current code object.
	OpJump        Opcode = 0x40 // imm: u32 target
	OpJumpIfFalse Opcode = 0x41 // imm: u32 target
	OpJumpIfTrue  Opcode = 0x42 // imm: u32 target

	// Call family (0x50-0x5F).
	OpCall         Opcode = 0x50 // imm: u16 argc
	OpReturn       Opcode = 0x51
	OpMakeFunction Opcode = 0x52 // imm: u16 code index
	OpMakeClosure  Opcode = 0x53 // imm: u16 code index, u16 capture count

	// Collection family (0x60-0x6F).
	OpBuildList  Opcode = 0x60 // imm: u16 element count
	OpBuildDict  Opcode = 0x61 // imm: u16 entry count (pops 2n)
	OpBuildSet   Opcode = 0x62 // imm: u16 element count
	OpBuildTuple Opcode = 0x63 // imm: u16 element count

	// Subscript family (0x70-0x7F).
	OpLoadSubscript   Opcode = 0x70 // ... c, i      -> ... c[i]
	OpStoreSubscript  Opcode = 0x71 // ... c, i, v   -> ...
	OpDeleteSubscript Opcode = 0x72 // ... c, i      -> ...

	// Iteration family (0x80-0x8F).
	OpGetIter Opcode = 0x80 // replace top container with an iterator
	OpForIter Opcode = 0x81 // imm: u32 exit target

	// Exception family (0x90-0x9F).
	OpSetupExcept Opcode = 0x90 // imm: u32 handler target
	OpPopExcept   Opcode = 0x91
	OpRaise       Opcode = 0x92

	// Import family (0xA0-0xAF).
	OpImportName Opcode = 0xA0 // imm: u16 string index (module name)
	OpImportFrom Opcode = 0xA1 // imm: u16 string index (export name)

	// Debug family (0xF0-0xFF).
	OpNop        Opcode = 0xF0
	OpBreakpoint Opcode = 0xF1
)

// OpInfo describes the static shape of one opcode.
type OpInfo struct {
	Name string
	// Imms holds the byte width of each immediate operand in encoding
	// order. Widths are 2 (u16, little-endian) or 4 (u32, little-endian).
	Imms []int
}

// Width returns the full encoded size of the instruction in bytes,
// including the opcode byte itself.
func (in OpInfo) Width() int {
	w := 1
	for _, n := range in.Imms {
		w += n
	}
	return w
}

var opTable = [256]*OpInfo{
	OpLoadConst:   {Name: "LoadConst", Imms: []int{2}},
	OpLoadLocal:   {Name: "LoadLocal", Imms: []int{2}},
	OpStoreLocal:  {Name: "StoreLocal", Imms: []int{2}},
	OpLoadGlobal:  {Name: "LoadGlobal", Imms: []int{2}},
	OpStoreGlobal: {Name: "StoreGlobal", Imms: []int{2}},
	OpLoadAttr:    {Name: "LoadAttr", Imms: []int{2}},
	OpStoreAttr:   {Name: "StoreAttr", Imms: []int{2}},
	OpPop:         {Name: "Pop"},
	OpDup:         {Name: "Dup"},

	OpAdd: {Name: "Add"},
	OpSub: {Name: "Sub"},
	OpMul: {Name: "Mul"},
	OpDiv: {Name: "Div"},
	OpMod: {Name: "Mod"},
	OpPow: {Name: "Pow"},
	OpNeg: {Name: "Neg"},

	OpEq: {Name: "Eq"},
	OpNe: {Name: "Ne"},
	OpLt: {Name: "Lt"},
	OpLe: {Name: "Le"},
	OpGt: {Name: "Gt"},
	OpGe: {Name: "Ge"},

	OpAnd: {Name: "And"},
	OpOr:  {Name: "Or"},
	OpNot: {Name: "Not"},

	OpJump:        {Name: "Jump", Imms: []int{4}},
	OpJumpIfFalse: {Name: "JumpIfFalse", Imms: []int{4}},
	OpJumpIfTrue:  {Name: "JumpIfTrue", Imms: []int{4}},

	OpCall:         {Name: "Call", Imms: []int{2}},
	OpReturn:       {Name: "Return"},
	OpMakeFunction: {Name: "MakeFunction", Imms: []int{2}},
	OpMakeClosure:  {Name: "MakeClosure", Imms: []int{2, 2}},

	OpBuildList:  {Name: "BuildList", Imms: []int{2}},
	OpBuildDict:  {Name: "BuildDict", Imms: []int{2}},
	OpBuildSet:   {Name: "BuildSet", Imms: []int{2}},
	OpBuildTuple: {Name: "BuildTuple", Imms: []int{2}},

	OpLoadSubscript:   {Name: "LoadSubscript"},
	OpStoreSubscript:  {Name: "StoreSubscript"},
	OpDeleteSubscript: {Name: "DeleteSubscript"},

	OpGetIter: {Name: "GetIter"},
	OpForIter: {Name: "ForIter", Imms: []int{4}},

	OpSetupExcept: {Name: "SetupExcept", Imms: []int{4}},
	OpPopExcept:   {Name: "PopExcept"},
	OpRaise:       {Name: "Raise"},

	OpImportName: {Name: "ImportName", Imms: []int{2}},
	OpImportFrom: {Name: "ImportFrom", Imms: []int{2}},

	OpNop:        {Name: "Nop"},
	OpBreakpoint: {Name: "Breakpoint"},
}

// Info returns the static description of op, or nil if the byte does
// not name a defined opcode.
func Info(op Opcode) *OpInfo {
	return opTable[op]
}

// String returns the mnemonic, or a hex form for undefined bytes.
func (op Opcode) String() string {
	if in := opTable[op]; in != nil {
		return in.Name
	}
	return fmt.Sprintf("Op(0x%02X)", byte(op))
}
