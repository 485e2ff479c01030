package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"fortio.org/safecast"
)

// Encode writes the binary form of img. All multi-byte integers are
// little-endian. The layout mirrors Decode exactly:
//
//	magic u32 | version u16 u16 u16
//	constants  u32 count, tagged records
//	strings    u32 count, (u32 len, bytes)
//	code objs  u32 count, records (see encodeCodeObject)
//	metadata   u32 count, (u32 len, key, u32 len, value), key-sorted
func Encode(w io.Writer, img *Image) error {
	e := &encoder{w: w}
	e.u32(Magic)
	e.u16(img.Version[0])
	e.u16(img.Version[1])
	e.u16(img.Version[2])

	e.count(len(img.Constants))
	for _, c := range img.Constants {
		e.constant(c)
	}

	e.count(len(img.Strings))
	for _, s := range img.Strings {
		e.bytes([]byte(s))
	}

	e.count(len(img.CodeObjects))
	for i := range img.CodeObjects {
		e.codeObject(&img.CodeObjects[i])
	}

	keys := make([]string, 0, len(img.Metadata))
	for k := range img.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.count(len(keys))
	for _, k := range keys {
		e.bytes([]byte(k))
		e.bytes(img.Metadata[k])
	}
	return e.err
}

type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) count(n int) {
	v, err := safecast.Convert[uint32](n)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("bytecode: section length %d overflows u32", n)
		return
	}
	e.u32(v)
}

func (e *encoder) bytes(p []byte) {
	e.count(len(p))
	e.write(p)
}

func (e *encoder) constant(c Constant) {
	e.u8(uint8(c.Kind))
	switch c.Kind {
	case ConstNull:
	case ConstBool:
		if c.Bool {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case ConstInt:
		e.u64(uint64(c.Int))
	case ConstFloat:
		e.u64(math.Float64bits(c.Float))
	case ConstString, ConstCode:
		e.u32(c.Index)
	default:
		if e.err == nil {
			e.err = fmt.Errorf("bytecode: cannot encode constant kind %d", c.Kind)
		}
	}
}

func (e *encoder) codeObject(co *CodeObject) {
	e.u16(co.ParamCount)
	e.u16(co.LocalCount)
	e.bytes(co.Code)
	e.count(len(co.Names))
	for _, n := range co.Names {
		e.u16(n)
	}
	e.count(len(co.Constants))
	for _, c := range co.Constants {
		e.u16(c)
	}
	e.count(len(co.Ranges))
	for _, r := range co.Ranges {
		e.u32(r.TryStart)
		e.u32(r.TryEnd)
		e.u32(r.Handler)
		e.u32(r.Depth)
	}
	// Line map is optional; a zero count means none was emitted.
	e.count(len(co.Lines))
	for _, l := range co.Lines {
		e.u32(l.Offset)
		e.u32(l.Line)
	}
}
