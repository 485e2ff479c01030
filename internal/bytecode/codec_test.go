package bytecode

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

// sampleImage builds an image touching every section of the format.
func sampleImage(t *testing.T) *Image {
	t.Helper()
	b := NewBuilder()
	b.Null()
	b.True()
	cInt := b.Int(42)
	b.Float(3.5)
	cStr := b.Str("hello")
	greet := b.String("greet")

	fn := b.NewCode(1, 1)
	fn.Emit(OpLoadLocal, 0)
	fn.Emit(OpReturn)
	fn.Line(10)

	entry := b.NewCode(0, 2)
	entry.Line(1)
	entry.Emit(OpLoadConst, uint32(cInt))
	entry.Emit(OpStoreLocal, 0)
	entry.Emit(OpLoadConst, uint32(cStr))
	entry.Emit(OpStoreLocal, 1)
	entry.Emit(OpLoadLocal, 0)
	entry.Emit(OpReturn)
	entry.Name(greet)
	entry.UseConst(cInt)
	entry.Range(0, 3, 6, 0)
	if got := entry.Seal(); got != 0 {
		t.Fatalf("entry sealed as code[%d], want 0", got)
	}
	fn.Seal()

	img := b.Image()
	if err := img.SetExports(map[string]uint16{"answer": 0}); err != nil {
		t.Fatalf("SetExports: %v", err)
	}
	if err := img.SetDependencies([]string{"std:prelude"}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	return img
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := sampleImage(t)

	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !reflect.DeepEqual(img.Version, got.Version) {
		t.Errorf("version %v, want %v", got.Version, img.Version)
	}
	if !reflect.DeepEqual(img.Constants, got.Constants) {
		t.Errorf("constants differ:\n got %+v\nwant %+v", got.Constants, img.Constants)
	}
	if !reflect.DeepEqual(img.Strings, got.Strings) {
		t.Errorf("strings differ: got %v want %v", got.Strings, img.Strings)
	}
	if !reflect.DeepEqual(img.CodeObjects, got.CodeObjects) {
		t.Errorf("code objects differ:\n got %+v\nwant %+v", got.CodeObjects, img.CodeObjects)
	}
	if !reflect.DeepEqual(img.Metadata, got.Metadata) {
		t.Errorf("metadata differs: got %v want %v", got.Metadata, img.Metadata)
	}

	exports, err := got.Exports()
	if err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if exports["answer"] != 0 {
		t.Errorf("exports = %v, want answer->0", exports)
	}
	deps, err := got.Dependencies()
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "std:prelude" {
		t.Errorf("dependencies = %v, want [std:prelude]", deps)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}
	_, err := Decode(bytes.NewReader(data))
	var derr *DeserializeError
	if !errors.As(err, &derr) {
		t.Fatalf("Decode = %v, want *DeserializeError", err)
	}
	if derr.Offset != 0 {
		t.Errorf("error offset %d, want 0", derr.Offset)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	img := sampleImage(t)
	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	full := buf.Bytes()

	// Every proper prefix must fail cleanly, never panic.
	for cut := 1; cut < len(full); cut += 7 {
		_, err := Decode(bytes.NewReader(full[:cut]))
		if err == nil {
			t.Fatalf("Decode of %d/%d bytes succeeded", cut, len(full))
		}
		var derr *DeserializeError
		if !errors.As(err, &derr) {
			t.Fatalf("Decode of %d bytes = %v, want *DeserializeError", cut, err)
		}
	}
}

func TestDecodeRejectsOversizedSection(t *testing.T) {
	// magic, version 1.0.0, then a constants count far past the cap.
	data := []byte{
		0x52, 0x50, 0x4C, 0x31,
		1, 0, 0, 0, 0, 0,
		0xFF, 0xFF, 0xFF, 0xFF,
	}
	if _, err := Decode(bytes.NewReader(data)); err == nil {
		t.Fatal("Decode accepted an oversized section count")
	}
}

func TestLineFor(t *testing.T) {
	co := CodeObject{Lines: []LineEntry{{Offset: 0, Line: 3}, {Offset: 6, Line: 5}}}
	cases := []struct {
		offset int
		want   uint32
	}{
		{0, 3},
		{5, 3},
		{6, 5},
		{100, 5},
	}
	for _, tc := range cases {
		if got := co.LineFor(tc.offset); got != tc.want {
			t.Errorf("LineFor(%d) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}

func TestDisassembleListsEveryInstruction(t *testing.T) {
	img := sampleImage(t)
	listing := Disassemble(img)
	for _, want := range []string{"LoadConst", "StoreLocal", "Return", "module entry", "try"} {
		if !bytes.Contains([]byte(listing), []byte(want)) {
			t.Errorf("listing lacks %q:\n%s", want, listing)
		}
	}
	lines := DisassembleCode(img, 0)
	if len(lines) != 6 {
		t.Fatalf("DisassembleCode returned %d lines, want 6", len(lines))
	}
	if lines[0].Offset != 0 {
		t.Errorf("first line offset %d, want 0", lines[0].Offset)
	}
}
