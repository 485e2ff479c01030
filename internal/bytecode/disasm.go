package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxOperandNote bounds the rendered width of resolved constant values
// in listings so long string literals do not wreck the columns.
const maxOperandNote = 40

// Disassemble renders a human-readable listing of every code object in
// the image.
func Disassemble(img *Image) string {
	var sb strings.Builder
	for i := range img.CodeObjects {
		if i > 0 {
			sb.WriteByte('\n')
		}
		disasmCode(&sb, img, i)
	}
	return sb.String()
}

func disasmCode(sb *strings.Builder, img *Image, coIndex int) {
	co := &img.CodeObjects[coIndex]
	label := "function"
	if coIndex == 0 {
		label = "module entry"
	}
	fmt.Fprintf(sb, "code[%d] (%s) params=%d locals=%d bytes=%d\n",
		coIndex, label, co.ParamCount, co.LocalCount, len(co.Code))
	for _, r := range co.Ranges {
		fmt.Fprintf(sb, "  try [%04X,%04X) handler=%04X depth=%d\n",
			r.TryStart, r.TryEnd, r.Handler, r.Depth)
	}

	for _, l := range DisassembleCode(img, coIndex) {
		sb.WriteString("  ")
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
}

// InstrLine is one disassembled instruction of a single code object.
type InstrLine struct {
	Offset int
	Text   string
}

// DisassembleCode renders one code object as per-instruction lines, for
// tools that track the instruction pointer.
func DisassembleCode(img *Image, coIndex int) []InstrLine {
	co := &img.CodeObjects[coIndex]
	var lines []InstrLine
	for off := 0; off < len(co.Code); {
		op := Opcode(co.Code[off])
		info := Info(op)
		if info == nil {
			lines = append(lines, InstrLine{
				Offset: off,
				Text:   fmt.Sprintf("%04X  .byte 0x%02X", off, co.Code[off]),
			})
			off++
			continue
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%04X  %-16s", off, info.Name)

		imms := make([]int, len(info.Imms))
		p := off + 1
		for i, w := range info.Imms {
			if w == 2 {
				imms[i] = int(binary.LittleEndian.Uint16(co.Code[p:]))
			} else {
				imms[i] = int(binary.LittleEndian.Uint32(co.Code[p:]))
			}
			p += w
		}
		for i, v := range imms {
			if i > 0 {
				sb.WriteString(", ")
			} else {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d", v)
		}

		if note := operandNote(img, op, imms); note != "" {
			fmt.Fprintf(&sb, "  ; %s", runewidth.Truncate(note, maxOperandNote, "…"))
		}
		if line := co.LineFor(off); line != 0 {
			fmt.Fprintf(&sb, "  (line %d)", line)
		}
		lines = append(lines, InstrLine{Offset: off, Text: sb.String()})
		off += info.Width()
	}
	return lines
}

// operandNote resolves an instruction's immediate against the image's
// pools for the listing comment column.
func operandNote(img *Image, op Opcode, imms []int) string {
	switch op {
	case OpLoadConst:
		if imms[0] < len(img.Constants) {
			c := img.Constants[imms[0]]
			if c.Kind == ConstString && int(c.Index) < len(img.Strings) {
				return fmt.Sprintf("%q", img.Strings[c.Index])
			}
			return c.String()
		}
	case OpLoadAttr, OpStoreAttr, OpImportName, OpImportFrom:
		if imms[0] < len(img.Strings) {
			return fmt.Sprintf("%q", img.Strings[imms[0]])
		}
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpForIter, OpSetupExcept:
		return fmt.Sprintf("-> %04X", imms[0])
	}
	return ""
}
