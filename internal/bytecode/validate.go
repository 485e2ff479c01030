package bytecode

import (
	"fmt"

	"fortio.org/safecast"
)

// ValidationKind distinguishes the rule an image broke.
type ValidationKind uint8

const (
	// ValidVersion: the image's major version is not supported.
	ValidVersion ValidationKind = iota + 1
	// ValidNoCode: the code-object table is empty.
	ValidNoCode
	// ValidIndexRange: a constant, string or code-object index is out
	// of range.
	ValidIndexRange
	// ValidExceptionTable: an exception-table entry has inverted or
	// overlapping ranges or a handler outside the bytecode.
	ValidExceptionTable
	// ValidOpcode: an undefined opcode byte, or an instruction whose
	// immediates run past the end of the bytecode.
	ValidOpcode
	// ValidJump: a jump target outside the bytecode or not at an
	// instruction boundary.
	ValidJump
	// ValidStackDepth: abstract interpretation found an underflow, a
	// depth disagreement at a join point, or control falling off the
	// end other than via a jump to len(bytecode).
	ValidStackDepth
)

func (k ValidationKind) String() string {
	switch k {
	case ValidVersion:
		return "unsupported version"
	case ValidNoCode:
		return "no code objects"
	case ValidIndexRange:
		return "index out of range"
	case ValidExceptionTable:
		return "malformed exception table"
	case ValidOpcode:
		return "invalid opcode"
	case ValidJump:
		return "invalid jump"
	case ValidStackDepth:
		return "inconsistent stack depth"
	}
	return "validation failure"
}

// ValidationError rejects an image. CodeObject and Offset are -1 when
// the fault is not tied to a particular instruction.
type ValidationError struct {
	Kind       ValidationKind
	CodeObject int
	Offset     int
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.CodeObject < 0 {
		return fmt.Sprintf("invalid image: %s: %s", e.Kind, e.Reason)
	}
	if e.Offset < 0 {
		return fmt.Sprintf("invalid image: code[%d]: %s: %s", e.CodeObject, e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid image: code[%d]+0x%04X: %s: %s", e.CodeObject, e.Offset, e.Kind, e.Reason)
}

// Analysis holds the validator's per-offset operand stack depths. The
// interpreter consults it in debug builds to assert invariant depths at
// instruction boundaries.
type Analysis struct {
	// Depths[i][off] is the stack depth (relative to the frame base) on
	// entry to the instruction at off in code object i, or -1 when off
	// is unreachable or not an instruction boundary.
	Depths [][]int32
}

// Validate checks every rule the decoder's second pass enforces and
// returns the retained depth analysis. No unchecked image may reach the
// interpreter: the loader refuses to cache a module whose image fails
// here.
func Validate(img *Image) (*Analysis, error) {
	if img.Version[0] != VersionMajor {
		return nil, &ValidationError{
			Kind: ValidVersion, CodeObject: -1, Offset: -1,
			Reason: fmt.Sprintf("image major version %d, runtime supports %d", img.Version[0], VersionMajor),
		}
	}
	if len(img.CodeObjects) == 0 {
		return nil, &ValidationError{
			Kind: ValidNoCode, CodeObject: -1, Offset: -1,
			Reason: "an image must contain at least the module entry code object",
		}
	}

	for i, c := range img.Constants {
		switch c.Kind {
		case ConstString:
			if int(c.Index) >= len(img.Strings) {
				return nil, indexErr(-1, fmt.Sprintf("constant %d: string index %d out of range (%d strings)", i, c.Index, len(img.Strings)))
			}
		case ConstCode:
			if int(c.Index) >= len(img.CodeObjects) {
				return nil, indexErr(-1, fmt.Sprintf("constant %d: code index %d out of range (%d code objects)", i, c.Index, len(img.CodeObjects)))
			}
		}
	}

	analysis := &Analysis{Depths: make([][]int32, len(img.CodeObjects))}
	for i := range img.CodeObjects {
		depths, err := validateCode(img, i)
		if err != nil {
			return nil, err
		}
		analysis.Depths[i] = depths
	}
	return analysis, nil
}

func indexErr(co int, reason string) *ValidationError {
	return &ValidationError{Kind: ValidIndexRange, CodeObject: co, Offset: -1, Reason: reason}
}

func validateCode(img *Image, coIndex int) ([]int32, error) {
	co := &img.CodeObjects[coIndex]

	for i, n := range co.Names {
		if int(n) >= len(img.Strings) {
			return nil, indexErr(coIndex, fmt.Sprintf("name %d: string index %d out of range", i, n))
		}
	}
	for i, c := range co.Constants {
		if int(c) >= len(img.Constants) {
			return nil, indexErr(coIndex, fmt.Sprintf("constant-use %d: pool index %d out of range", i, c))
		}
	}

	size := len(co.Code)
	if err := validateRanges(co, coIndex, size); err != nil {
		return nil, err
	}

	// Pass 1: decode linearly to establish instruction boundaries.
	boundary := make([]bool, size+1)
	boundary[size] = true // terminal position
	for off := 0; off < size; {
		boundary[off] = true
		info := Info(Opcode(co.Code[off]))
		if info == nil {
			return nil, &ValidationError{
				Kind: ValidOpcode, CodeObject: coIndex, Offset: off,
				Reason: fmt.Sprintf("undefined opcode 0x%02X", co.Code[off]),
			}
		}
		next := off + info.Width()
		if next > size {
			return nil, &ValidationError{
				Kind: ValidOpcode, CodeObject: coIndex, Offset: off,
				Reason: fmt.Sprintf("%s immediates run past end of bytecode", info.Name),
			}
		}
		off = next
	}

	for i, r := range co.Ranges {
		if !boundary[r.Handler] || int(r.Handler) == size {
			return nil, &ValidationError{
				Kind: ValidExceptionTable, CodeObject: coIndex, Offset: int(r.Handler),
				Reason: fmt.Sprintf("exception range %d: handler not at an instruction boundary", i),
			}
		}
	}

	// Pass 2: worklist abstract interpretation of stack depths. Depth
	// at an instruction boundary is a pure function of the bytecode;
	// disagreement at a join point rejects the image.
	depths := make([]int32, size+1)
	for i := range depths {
		depths[i] = -1
	}
	v := &codeValidator{img: img, co: co, coIndex: coIndex, boundary: boundary, depths: depths}

	if err := v.seed(0, 0); err != nil {
		return nil, err
	}
	for i, r := range co.Ranges {
		depth, castErr := safecast.Convert[int32](r.Depth)
		if castErr != nil || int(depth) > size {
			return nil, &ValidationError{
				Kind: ValidExceptionTable, CodeObject: coIndex, Offset: int(r.Handler),
				Reason: fmt.Sprintf("exception range %d: recorded depth %d out of range", i, r.Depth),
			}
		}
		// A static handler runs with the recorded depth plus the pushed
		// exception value.
		if err := v.seed(int(r.Handler), depth+1); err != nil {
			return nil, err
		}
	}
	if err := v.run(); err != nil {
		return nil, err
	}
	return depths[:size+1], nil
}

func validateRanges(co *CodeObject, coIndex, size int) error {
	var prevEnd uint32
	for i, r := range co.Ranges {
		if r.TryStart >= r.TryEnd {
			return &ValidationError{
				Kind: ValidExceptionTable, CodeObject: coIndex, Offset: int(r.TryStart),
				Reason: fmt.Sprintf("exception range %d: inverted range [%d,%d)", i, r.TryStart, r.TryEnd),
			}
		}
		if int(r.TryEnd) > size || int(r.Handler) >= size {
			return &ValidationError{
				Kind: ValidExceptionTable, CodeObject: coIndex, Offset: int(r.TryStart),
				Reason: fmt.Sprintf("exception range %d: outside bytecode of length %d", i, size),
			}
		}
		if i > 0 && r.TryStart < prevEnd {
			return &ValidationError{
				Kind: ValidExceptionTable, CodeObject: coIndex, Offset: int(r.TryStart),
				Reason: fmt.Sprintf("exception range %d overlaps previous range", i),
			}
		}
		prevEnd = r.TryEnd
	}
	return nil
}

type codeValidator struct {
	img      *Image
	co       *CodeObject
	coIndex  int
	boundary []bool
	depths   []int32
	work     []int
}

// seed records the depth at a control-flow edge target and enqueues it.
func (v *codeValidator) seed(off int, depth int32) error {
	if v.depths[off] == -1 {
		v.depths[off] = depth
		if off < len(v.co.Code) {
			v.work = append(v.work, off)
		}
		return nil
	}
	if v.depths[off] != depth {
		return &ValidationError{
			Kind: ValidStackDepth, CodeObject: v.coIndex, Offset: off,
			Reason: fmt.Sprintf("join point sees depths %d and %d", v.depths[off], depth),
		}
	}
	return nil
}

func (v *codeValidator) run() error {
	for len(v.work) > 0 {
		off := v.work[len(v.work)-1]
		v.work = v.work[:len(v.work)-1]
		if err := v.step(off); err != nil {
			return err
		}
	}
	return nil
}

func (v *codeValidator) target(off int, t uint32) (int, error) {
	if int(t) > len(v.co.Code) {
		return 0, &ValidationError{
			Kind: ValidJump, CodeObject: v.coIndex, Offset: off,
			Reason: fmt.Sprintf("jump target %d outside bytecode of length %d", t, len(v.co.Code)),
		}
	}
	if !v.boundary[t] {
		return 0, &ValidationError{
			Kind: ValidJump, CodeObject: v.coIndex, Offset: off,
			Reason: fmt.Sprintf("jump target %d is not an instruction boundary", t),
		}
	}
	return int(t), nil
}

func (v *codeValidator) checkPool(off, idx, limit int, what string) error {
	if idx >= limit {
		return &ValidationError{
			Kind: ValidIndexRange, CodeObject: v.coIndex, Offset: off,
			Reason: fmt.Sprintf("%s index %d out of range (%d available)", what, idx, limit),
		}
	}
	return nil
}

// step interprets the single instruction at off against the abstract
// stack depth and seeds every successor.
func (v *codeValidator) step(off int) error {
	op := Opcode(v.co.Code[off])
	info := Info(op)
	depth := v.depths[off]

	imm := func(i int) int {
		p := off + 1
		for j := 0; j < i; j++ {
			p += info.Imms[j]
		}
		if info.Imms[i] == 2 {
			return int(uint16(v.co.Code[p]) | uint16(v.co.Code[p+1])<<8)
		}
		return int(uint32(v.co.Code[p]) | uint32(v.co.Code[p+1])<<8 |
			uint32(v.co.Code[p+2])<<16 | uint32(v.co.Code[p+3])<<24)
	}

	pops, pushes := 0, 0
	next := off + info.Width()
	fallsThrough := true

	switch op {
	case OpLoadConst:
		if err := v.checkPool(off, imm(0), len(v.img.Constants), "constant"); err != nil {
			return err
		}
		pushes = 1
	case OpLoadLocal:
		if err := v.checkPool(off, imm(0), int(v.co.LocalCount), "local"); err != nil {
			return err
		}
		pushes = 1
	case OpStoreLocal:
		if err := v.checkPool(off, imm(0), int(v.co.LocalCount), "local"); err != nil {
			return err
		}
		pops = 1
	case OpLoadGlobal:
		pushes = 1
	case OpStoreGlobal:
		pops = 1
	case OpLoadAttr:
		if err := v.checkPool(off, imm(0), len(v.img.Strings), "string"); err != nil {
			return err
		}
		pops, pushes = 1, 1
	case OpStoreAttr:
		if err := v.checkPool(off, imm(0), len(v.img.Strings), "string"); err != nil {
			return err
		}
		pops = 2
	case OpPop:
		pops = 1
	case OpDup:
		pops, pushes = 1, 2

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpAnd, OpOr:
		pops, pushes = 2, 1
	case OpNeg, OpNot:
		pops, pushes = 1, 1

	case OpJump:
		t, err := v.target(off, uint32(imm(0)))
		if err != nil {
			return err
		}
		if err := v.seed(t, depth); err != nil {
			return err
		}
		fallsThrough = false
	case OpJumpIfFalse, OpJumpIfTrue:
		pops = 1
		if depth < 1 {
			return v.underflow(off, op)
		}
		t, err := v.target(off, uint32(imm(0)))
		if err != nil {
			return err
		}
		if err := v.seed(t, depth-1); err != nil {
			return err
		}

	case OpCall:
		pops, pushes = imm(0)+1, 1
	case OpReturn:
		pops = 1
		fallsThrough = false
	case OpMakeFunction:
		if err := v.checkPool(off, imm(0), len(v.img.CodeObjects), "code object"); err != nil {
			return err
		}
		pushes = 1
	case OpMakeClosure:
		if err := v.checkPool(off, imm(0), len(v.img.CodeObjects), "code object"); err != nil {
			return err
		}
		pops, pushes = imm(1), 1

	case OpBuildList, OpBuildSet, OpBuildTuple:
		pops, pushes = imm(0), 1
	case OpBuildDict:
		pops, pushes = 2*imm(0), 1

	case OpLoadSubscript:
		pops, pushes = 2, 1
	case OpStoreSubscript:
		pops = 3
	case OpDeleteSubscript:
		pops = 2

	case OpGetIter:
		pops, pushes = 1, 1
	case OpForIter:
		// Exhausted path pops the iterator and jumps; the loop path
		// keeps it and pushes the next element.
		t, err := v.target(off, uint32(imm(0)))
		if err != nil {
			return err
		}
		if depth < 1 {
			return v.underflow(off, op)
		}
		if err := v.seed(t, depth-1); err != nil {
			return err
		}
		pushes = 1

	case OpSetupExcept:
		t, err := v.target(off, uint32(imm(0)))
		if err != nil {
			return err
		}
		if t == len(v.co.Code) {
			return &ValidationError{
				Kind: ValidJump, CodeObject: v.coIndex, Offset: off,
				Reason: "exception handler target at end of bytecode",
			}
		}
		// The handler resumes at the depth recorded by SetupExcept with
		// the raised value pushed on top.
		if err := v.seed(t, depth+1); err != nil {
			return err
		}
	case OpPopExcept:
		// No stack effect.
	case OpRaise:
		pops = 1
		fallsThrough = false

	case OpImportName:
		if err := v.checkPool(off, imm(0), len(v.img.Strings), "string"); err != nil {
			return err
		}
		pushes = 1
	case OpImportFrom:
		if err := v.checkPool(off, imm(0), len(v.img.Strings), "string"); err != nil {
			return err
		}
		pops, pushes = 1, 1

	case OpNop, OpBreakpoint:
		// No stack effect.
	}

	if int(depth) < pops {
		return v.underflow(off, op)
	}

	if fallsThrough {
		if next == len(v.co.Code) {
			// Falling off the end is only legal via an explicit jump to
			// len(bytecode).
			return &ValidationError{
				Kind: ValidStackDepth, CodeObject: v.coIndex, Offset: off,
				Reason: fmt.Sprintf("%s flows past the end of bytecode", info.Name),
			}
		}
		if err := v.seed(next, depth-int32(pops)+int32(pushes)); err != nil {
			return err
		}
	}
	return nil
}

func (v *codeValidator) underflow(off int, op Opcode) error {
	return &ValidationError{
		Kind: ValidStackDepth, CodeObject: v.coIndex, Offset: off,
		Reason: fmt.Sprintf("%s underflows the operand stack", op),
	}
}
