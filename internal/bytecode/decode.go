package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// DeserializeError reports a structural fault while reading an image.
// It is distinct from ValidationError: deserialize faults mean the
// bytes do not parse at all, validation faults mean the parsed image
// breaks a semantic rule.
type DeserializeError struct {
	Offset int64 // byte offset where the fault was detected
	Reason string
	Err    error // optional underlying I/O error
}

func (e *DeserializeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialize image at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("deserialize image at offset %d: %s", e.Offset, e.Reason)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// maxSectionLen bounds every length prefix so corrupt images cannot
// force pathological allocations before validation runs.
const maxSectionLen = 1 << 24

// Decode reads the binary form produced by Encode. The returned image
// is structurally sound but NOT yet validated; callers must run
// Validate before handing it to the interpreter.
func Decode(r io.Reader) (*Image, error) {
	d := &decoder{r: r}

	if magic := d.u32(); d.err == nil && magic != Magic {
		return nil, d.fail(fmt.Sprintf("bad magic 0x%08X, want 0x%08X", magic, Magic))
	}

	img := &Image{}
	img.Version[0] = d.u16()
	img.Version[1] = d.u16()
	img.Version[2] = d.u16()

	n := d.count("constant pool")
	if d.err == nil && n > 0 {
		img.Constants = make([]Constant, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			img.Constants = append(img.Constants, d.constant())
		}
	}

	n = d.count("string table")
	if d.err == nil && n > 0 {
		img.Strings = make([]string, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			img.Strings = append(img.Strings, string(d.bytes("string")))
		}
	}

	n = d.count("code object table")
	if d.err == nil && n > 0 {
		img.CodeObjects = make([]CodeObject, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			img.CodeObjects = append(img.CodeObjects, d.codeObject())
		}
	}

	n = d.count("metadata")
	if d.err == nil && n > 0 {
		img.Metadata = make(map[string][]byte, n)
		for i := 0; i < n && d.err == nil; i++ {
			key := string(d.bytes("metadata key"))
			val := d.bytes("metadata value")
			if d.err == nil {
				img.Metadata[key] = val
			}
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	return img, nil
}

type decoder struct {
	r   io.Reader
	buf [8]byte
	off int64
	err *DeserializeError
}

func (d *decoder) fail(reason string) *DeserializeError {
	if d.err == nil {
		d.err = &DeserializeError{Offset: d.off, Reason: reason}
	}
	return d.err
}

func (d *decoder) read(p []byte) {
	if d.err != nil {
		return
	}
	n, err := io.ReadFull(d.r, p)
	d.off += int64(n)
	if err != nil {
		d.err = &DeserializeError{Offset: d.off, Reason: "unexpected end of image", Err: err}
	}
}

func (d *decoder) u8() uint8 {
	d.read(d.buf[:1])
	return d.buf[0]
}

func (d *decoder) u16() uint16 {
	d.read(d.buf[:2])
	return binary.LittleEndian.Uint16(d.buf[:2])
}

func (d *decoder) u32() uint32 {
	d.read(d.buf[:4])
	return binary.LittleEndian.Uint32(d.buf[:4])
}

func (d *decoder) u64() uint64 {
	d.read(d.buf[:8])
	return binary.LittleEndian.Uint64(d.buf[:8])
}

// count reads a u32 length prefix, bounded by maxSectionLen.
func (d *decoder) count(what string) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if n > maxSectionLen {
		d.fail(fmt.Sprintf("%s length %d exceeds limit %d", what, n, maxSectionLen))
		return 0
	}
	return int(n)
}

func (d *decoder) bytes(what string) []byte {
	n := d.count(what)
	if d.err != nil || n == 0 {
		return nil
	}
	p := make([]byte, n)
	d.read(p)
	if d.err != nil {
		return nil
	}
	return p
}

func (d *decoder) constant() Constant {
	kind := ConstKind(d.u8())
	if d.err != nil {
		return Constant{}
	}
	switch kind {
	case ConstNull:
		return Constant{Kind: ConstNull}
	case ConstBool:
		return Constant{Kind: ConstBool, Bool: d.u8() != 0}
	case ConstInt:
		return Constant{Kind: ConstInt, Int: int64(d.u64())}
	case ConstFloat:
		return Constant{Kind: ConstFloat, Float: math.Float64frombits(d.u64())}
	case ConstString, ConstCode:
		return Constant{Kind: kind, Index: d.u32()}
	}
	d.fail(fmt.Sprintf("unknown constant kind %d", kind))
	return Constant{}
}

func (d *decoder) codeObject() CodeObject {
	var co CodeObject
	co.ParamCount = d.u16()
	co.LocalCount = d.u16()
	co.Code = d.bytes("bytecode")

	n := d.count("name table")
	if d.err == nil && n > 0 {
		co.Names = make([]uint16, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			co.Names = append(co.Names, d.u16())
		}
	}

	n = d.count("constant list")
	if d.err == nil && n > 0 {
		co.Constants = make([]uint16, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			co.Constants = append(co.Constants, d.u16())
		}
	}

	n = d.count("exception table")
	if d.err == nil && n > 0 {
		co.Ranges = make([]ExceptionRange, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			co.Ranges = append(co.Ranges, ExceptionRange{
				TryStart: d.u32(),
				TryEnd:   d.u32(),
				Handler:  d.u32(),
				Depth:    d.u32(),
			})
		}
	}

	n = d.count("line map")
	if d.err == nil && n > 0 {
		co.Lines = make([]LineEntry, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			co.Lines = append(co.Lines, LineEntry{Offset: d.u32(), Line: d.u32()})
		}
	}
	return co
}
