package vm

import (
	"strings"
	"testing"

	"ripple/internal/bytecode"
)

// execImage validates and runs an image with depth assertions on, so
// every test doubles as a check of the validator's depth analysis.
func execImage(t *testing.T, img *bytecode.Image, opts Options) (Value, *VM, *VMError) {
	t.Helper()
	analysis, err := bytecode.Validate(img)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	opts.Debug = true
	m := New(opts)
	result, vmErr := m.Exec(img, analysis)
	return result, m, vmErr
}

func mustInt(t *testing.T, v Value, want int64) {
	t.Helper()
	if v.Kind() != KInt || v.AsInt() != want {
		t.Fatalf("result = %s, want %d", v, want)
	}
}

// uncaughtKind asserts an uncaught {"kind","message"} exception and
// returns its kind.
func uncaughtKind(t *testing.T, m *VM, err *VMError) string {
	t.Helper()
	if err == nil {
		t.Fatal("execution succeeded, want an uncaught exception")
	}
	if err.Code != FaultUncaughtException {
		t.Fatalf("fault = %v, want %v (%v)", err.Code, FaultUncaughtException, err)
	}
	if !err.Value.IsRef() || m.heap.Get(err.Value.AsRef()).Kind != OKDict {
		t.Fatalf("exception value = %s, want a dict", m.heap.Render(err.Value))
	}
	kind, ok := m.heap.Get(err.Value.AsRef()).DictGet("kind")
	if !ok {
		t.Fatal(`exception dict has no "kind"`)
	}
	return m.heap.Get(kind.AsRef()).Str
}

func TestExecArithmetic(t *testing.T) {
	// ((15*3)-5)/2+10 = 30
	b := bytecode.NewBuilder()
	c15, c3, c5, c2, c10 := b.Int(15), b.Int(3), b.Int(5), b.Int(2), b.Int(10)
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(c15))
	cb.Emit(bytecode.OpLoadConst, uint32(c3))
	cb.Emit(bytecode.OpMul)
	cb.Emit(bytecode.OpLoadConst, uint32(c5))
	cb.Emit(bytecode.OpSub)
	cb.Emit(bytecode.OpLoadConst, uint32(c2))
	cb.Emit(bytecode.OpDiv)
	cb.Emit(bytecode.OpLoadConst, uint32(c10))
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 30)
}

func TestExecFactorial(t *testing.T) {
	b := bytecode.NewBuilder()
	one, seven := b.Int(1), b.Int(7)
	cb := b.NewCode(0, 2) // 0: acc, 1: n
	cb.Emit(bytecode.OpLoadConst, uint32(one))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(seven))
	cb.Emit(bytecode.OpStoreLocal, 1)
	loop := cb.Pos()
	cb.Emit(bytecode.OpLoadLocal, 1)
	exit := cb.Pos()
	cb.Emit(bytecode.OpJumpIfFalse, 0)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpMul)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(one))
	cb.Emit(bytecode.OpSub)
	cb.Emit(bytecode.OpStoreLocal, 1)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(exit, cb.Pos())
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 5040)
}

func TestExecFibonacci(t *testing.T) {
	b := bytecode.NewBuilder()
	zero, one, ten := b.Int(0), b.Int(1), b.Int(10)
	cb := b.NewCode(0, 4) // 0: acc, 1: prev, 2: counter, 3: tmp
	cb.Emit(bytecode.OpLoadConst, uint32(zero))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(one))
	cb.Emit(bytecode.OpStoreLocal, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(ten))
	cb.Emit(bytecode.OpStoreLocal, 2)
	loop := cb.Pos()
	cb.Emit(bytecode.OpLoadLocal, 2)
	exit := cb.Pos()
	cb.Emit(bytecode.OpJumpIfFalse, 0)
	// acc, prev = acc+prev, acc
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpStoreLocal, 3)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 3)
	cb.Emit(bytecode.OpStoreLocal, 1)
	cb.Emit(bytecode.OpLoadLocal, 2)
	cb.Emit(bytecode.OpLoadConst, uint32(one))
	cb.Emit(bytecode.OpSub)
	cb.Emit(bytecode.OpStoreLocal, 2)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(exit, cb.Pos())
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 55)
}

func TestExecGCD(t *testing.T) {
	b := bytecode.NewBuilder()
	a48, b18 := b.Int(48), b.Int(18)
	cb := b.NewCode(0, 3) // 0: a, 1: b, 2: t
	cb.Emit(bytecode.OpLoadConst, uint32(a48))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b18))
	cb.Emit(bytecode.OpStoreLocal, 1)
	loop := cb.Pos()
	cb.Emit(bytecode.OpLoadLocal, 1)
	exit := cb.Pos()
	cb.Emit(bytecode.OpJumpIfFalse, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpStoreLocal, 2)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpMod)
	cb.Emit(bytecode.OpStoreLocal, 1)
	cb.Emit(bytecode.OpLoadLocal, 2)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(exit, cb.Pos())
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 6)
}

func TestNumericPromotionAndPow(t *testing.T) {
	cases := []struct {
		name string
		emit func(b *bytecode.Builder, cb *bytecode.CodeBuilder)
		want float64
	}{
		{
			name: "mixed add promotes",
			emit: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
				cb.Emit(bytecode.OpLoadConst, uint32(b.Float(2.5)))
				cb.Emit(bytecode.OpAdd)
			},
			want: 3.5,
		},
		{
			name: "float division",
			emit: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Emit(bytecode.OpLoadConst, uint32(b.Float(7)))
				cb.Emit(bytecode.OpLoadConst, uint32(b.Float(2)))
				cb.Emit(bytecode.OpDiv)
			},
			want: 3.5,
		},
		{
			name: "float pow",
			emit: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Emit(bytecode.OpLoadConst, uint32(b.Float(2)))
				cb.Emit(bytecode.OpLoadConst, uint32(b.Float(0.5)))
				cb.Emit(bytecode.OpPow)
			},
			want: 1.4142135623730951,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bytecode.NewBuilder()
			cb := b.NewCode(0, 0)
			tc.emit(b, cb)
			cb.Emit(bytecode.OpReturn)
			cb.Seal()
			result, _, err := execImage(t, b.Image(), Options{})
			if err != nil {
				t.Fatalf("Exec: %v", err)
			}
			if result.Kind() != KFloat || result.AsFloat() != tc.want {
				t.Fatalf("result = %s, want %g", result, tc.want)
			}
		})
	}
}

func TestIntPow(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(10)))
	cb.Emit(bytecode.OpPow)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 1024)
}

func TestIntMinBoundaries(t *testing.T) {
	build := func(emit func(b *bytecode.Builder, cb *bytecode.CodeBuilder)) (*bytecode.Image, *bytecode.Analysis) {
		b := bytecode.NewBuilder()
		cb := b.NewCode(0, 0)
		emit(b, cb)
		cb.Emit(bytecode.OpReturn)
		cb.Seal()
		analysis, err := bytecode.Validate(b.Image())
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		return b.Image(), analysis
	}
	divMin := func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.Emit(bytecode.OpLoadConst, uint32(b.Int(IntMin)))
		cb.Emit(bytecode.OpLoadConst, uint32(b.Int(-1)))
		cb.Emit(bytecode.OpDiv)
	}
	negMin := func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.Emit(bytecode.OpLoadConst, uint32(b.Int(IntMin)))
		cb.Emit(bytecode.OpNeg)
	}

	t.Run("division wraps in release", func(t *testing.T) {
		img, analysis := build(divMin)
		result, err := New(Options{}).Exec(img, analysis)
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		mustInt(t, result, IntMin)
	})
	t.Run("division panics in debug", func(t *testing.T) {
		img, analysis := build(divMin)
		defer func() {
			if recover() == nil {
				t.Fatal("checked division overflow did not panic")
			}
		}()
		New(Options{Debug: true}).Exec(img, analysis)
	})
	t.Run("negation wraps in release", func(t *testing.T) {
		img, analysis := build(negMin)
		result, err := New(Options{}).Exec(img, analysis)
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		mustInt(t, result, IntMin)
	})
	t.Run("negation panics in debug", func(t *testing.T) {
		img, analysis := build(negMin)
		defer func() {
			if recover() == nil {
				t.Fatal("checked negation overflow did not panic")
			}
		}()
		New(Options{Debug: true}).Exec(img, analysis)
	})
}

func TestStringConcat(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("foo")))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("bar")))
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, m, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := m.heap.Render(result); got != "foobar" {
		t.Fatalf("result = %q, want %q", got, "foobar")
	}
}

func TestComparisons(t *testing.T) {
	cases := []struct {
		name string
		op   bytecode.Opcode
		lhs  func(b *bytecode.Builder) uint16
		rhs  func(b *bytecode.Builder) uint16
		want bool
	}{
		{"int eq float", bytecode.OpEq, func(b *bytecode.Builder) uint16 { return b.Int(1) }, func(b *bytecode.Builder) uint16 { return b.Float(1) }, true},
		{"null eq null", bytecode.OpEq, func(b *bytecode.Builder) uint16 { return b.Null() }, func(b *bytecode.Builder) uint16 { return b.Null() }, true},
		{"null ne int", bytecode.OpNe, func(b *bytecode.Builder) uint16 { return b.Null() }, func(b *bytecode.Builder) uint16 { return b.Int(0) }, true},
		{"string structural eq", bytecode.OpEq, func(b *bytecode.Builder) uint16 { return b.Str("ab") }, func(b *bytecode.Builder) uint16 { return b.Str("ab") }, true},
		{"string lt", bytecode.OpLt, func(b *bytecode.Builder) uint16 { return b.Str("abc") }, func(b *bytecode.Builder) uint16 { return b.Str("abd") }, true},
		{"int ge", bytecode.OpGe, func(b *bytecode.Builder) uint16 { return b.Int(3) }, func(b *bytecode.Builder) uint16 { return b.Int(3) }, true},
		{"mixed lt", bytecode.OpLt, func(b *bytecode.Builder) uint16 { return b.Int(1) }, func(b *bytecode.Builder) uint16 { return b.Float(1.5) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bytecode.NewBuilder()
			cb := b.NewCode(0, 0)
			cb.Emit(bytecode.OpLoadConst, uint32(tc.lhs(b)))
			cb.Emit(bytecode.OpLoadConst, uint32(tc.rhs(b)))
			cb.Emit(tc.op)
			cb.Emit(bytecode.OpReturn)
			cb.Seal()
			result, _, err := execImage(t, b.Image(), Options{})
			if err != nil {
				t.Fatalf("Exec: %v", err)
			}
			if result.Kind() != KBool || result.AsBool() != tc.want {
				t.Fatalf("result = %s, want %t", result, tc.want)
			}
		})
	}
}

func TestDivisionByZeroCaught(t *testing.T) {
	b := bytecode.NewBuilder()
	kind := b.String("kind")
	cb := b.NewCode(0, 0)
	setup := cb.Pos()
	cb.Emit(bytecode.OpSetupExcept, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpDiv)
	cb.Emit(bytecode.OpPopExcept)
	cb.Emit(bytecode.OpReturn)
	cb.PatchTarget(setup, cb.Pos())
	cb.Emit(bytecode.OpLoadAttr, uint32(kind))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, m, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := m.heap.Render(result); got != "DivisionByZero" {
		t.Fatalf("caught kind = %q, want DivisionByZero", got)
	}
}

func TestTypeErrorUncaught(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("x")))
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "TypeError" {
		t.Fatalf("kind = %q, want TypeError", got)
	}
}

func TestRaiseCarriesValue(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(42)))
	cb.Emit(bytecode.OpRaise)
	cb.Seal()

	_, _, err := execImage(t, b.Image(), Options{})
	if err == nil || err.Code != FaultUncaughtException {
		t.Fatalf("err = %v, want uncaught exception", err)
	}
	mustInt(t, err.Value, 42)
}

func TestLoadGlobalUnsetSlotIsNull(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadGlobal, 7)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !result.IsNull() {
		t.Fatalf("result = %v, want null", result)
	}
}

func TestRaiseSelfReferentialList(t *testing.T) {
	// l = [null]; l[0] = l; raise l
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Null()))
	cb.Emit(bytecode.OpBuildList, 1)
	cb.Emit(bytecode.OpStoreLocal, 0)

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpStoreSubscript)

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpRaise)
	cb.Seal()

	_, _, err := execImage(t, b.Image(), Options{})
	if err == nil || err.Code != FaultUncaughtException {
		t.Fatalf("err = %v, want uncaught exception", err)
	}
	if !strings.Contains(err.Message, "[...]") {
		t.Errorf("message = %q, want cycle placeholder", err.Message)
	}
}

func TestFunctionCall(t *testing.T) {
	b := bytecode.NewBuilder()
	entry := b.NewCode(0, 0)
	entry.Emit(bytecode.OpMakeFunction, 1)
	entry.Emit(bytecode.OpLoadConst, uint32(b.Int(7)))
	entry.Emit(bytecode.OpLoadConst, uint32(b.Int(5)))
	entry.Emit(bytecode.OpCall, 2)
	entry.Emit(bytecode.OpReturn)
	entry.Seal()

	add := b.NewCode(2, 2)
	add.Emit(bytecode.OpLoadLocal, 0)
	add.Emit(bytecode.OpLoadLocal, 1)
	add.Emit(bytecode.OpAdd)
	add.Emit(bytecode.OpReturn)
	add.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 12)
}

func TestClosureCapture(t *testing.T) {
	b := bytecode.NewBuilder()
	entry := b.NewCode(0, 0)
	entry.Emit(bytecode.OpLoadConst, uint32(b.Int(100)))
	entry.Emit(bytecode.OpMakeClosure, 1, 1)
	entry.Emit(bytecode.OpLoadConst, uint32(b.Int(5)))
	entry.Emit(bytecode.OpCall, 1)
	entry.Emit(bytecode.OpReturn)
	entry.Seal()

	// Local 0 is the parameter, local 1 the capture.
	body := b.NewCode(1, 2)
	body.Emit(bytecode.OpLoadLocal, 0)
	body.Emit(bytecode.OpLoadLocal, 1)
	body.Emit(bytecode.OpAdd)
	body.Emit(bytecode.OpReturn)
	body.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 105)
}

func TestBuiltinRoundTrip(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadGlobal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(21)))
	cb.Emit(bytecode.OpCall, 1)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	analysis, err := bytecode.Validate(b.Image())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m := New(Options{Debug: true})
	m.RegisterBuiltin(0, "double", func(vm *VM, args []Value) (Value, error) {
		if len(args) != 1 {
			t.Fatalf("builtin got %d args", len(args))
		}
		return Int(args[0].AsInt() * 2), nil
	})
	result, vmErr := m.Exec(b.Image(), analysis)
	if vmErr != nil {
		t.Fatalf("Exec: %v", vmErr)
	}
	mustInt(t, result, 42)
}

func TestCallValueAppliesDefaults(t *testing.T) {
	b := bytecode.NewBuilder()
	entry := b.NewCode(0, 0)
	entry.Emit(bytecode.OpLoadConst, uint32(b.Null()))
	entry.Emit(bytecode.OpReturn)
	entry.Seal()

	add := b.NewCode(2, 2)
	add.Emit(bytecode.OpLoadLocal, 0)
	add.Emit(bytecode.OpLoadLocal, 1)
	add.Emit(bytecode.OpAdd)
	add.Emit(bytecode.OpReturn)
	addIdx := add.Seal()

	analysis, err := bytecode.Validate(b.Image())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m := New(Options{Debug: true})
	fn := m.heap.NewFunction(&FuncData{
		Image:     b.Image(),
		CodeIndex: addIdx,
		Name:      "add",
		Defaults:  []Value{Int(10)},
		Analysis:  analysis,
	})
	defer m.ReleaseValue(fn)

	result, vmErr := m.CallValue(fn, []Value{Int(32)})
	if vmErr != nil {
		t.Fatalf("CallValue: %v", vmErr)
	}
	mustInt(t, result, 42)

	if _, vmErr = m.CallValue(fn, []Value{Int(1), Int(2), Int(3)}); vmErr == nil {
		t.Fatal("CallValue accepted 3 args for a 2-parameter function")
	}
}

func TestCallDepthExceededIsCatchable(t *testing.T) {
	b := bytecode.NewBuilder()
	kind := b.String("kind")
	entry := b.NewCode(0, 0)
	entry.Emit(bytecode.OpMakeFunction, 1)
	entry.Emit(bytecode.OpStoreGlobal, 0)
	setup := entry.Pos()
	entry.Emit(bytecode.OpSetupExcept, 0)
	entry.Emit(bytecode.OpLoadGlobal, 0)
	entry.Emit(bytecode.OpCall, 0)
	entry.Emit(bytecode.OpPopExcept)
	entry.Emit(bytecode.OpReturn)
	entry.PatchTarget(setup, entry.Pos())
	entry.Emit(bytecode.OpLoadAttr, uint32(kind))
	entry.Emit(bytecode.OpReturn)
	entry.Seal()

	rec := b.NewCode(0, 0)
	rec.Emit(bytecode.OpLoadGlobal, 0)
	rec.Emit(bytecode.OpCall, 0)
	rec.Emit(bytecode.OpReturn)
	rec.Seal()

	result, m, err := execImage(t, b.Image(), Options{CallDepthCap: 32})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := m.heap.Render(result); got != "CallDepthExceeded" {
		t.Fatalf("caught kind = %q, want CallDepthExceeded", got)
	}
}

func TestListSubscripts(t *testing.T) {
	// l = [1,2,3]; l[1] = 9; delete l[0]; return l[-1]
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(3)))
	cb.Emit(bytecode.OpBuildList, 3)
	cb.Emit(bytecode.OpStoreLocal, 0)

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(9)))
	cb.Emit(bytecode.OpStoreSubscript)

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpDeleteSubscript)

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(-1)))
	cb.Emit(bytecode.OpLoadSubscript)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 3)
}

func TestListIndexOutOfRange(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpBuildList, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(5)))
	cb.Emit(bytecode.OpLoadSubscript)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "IndexError" {
		t.Fatalf("kind = %q, want IndexError", got)
	}
}

func TestDictBuildAndAttrs(t *testing.T) {
	// d = {"a": 1}; d.b = 2; return d["a"] + d.b
	b := bytecode.NewBuilder()
	keyB := b.String("b")
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("a")))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpBuildDict, 1)
	cb.Emit(bytecode.OpStoreLocal, 0)

	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpStoreAttr, uint32(keyB))

	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("a")))
	cb.Emit(bytecode.OpLoadSubscript)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadAttr, uint32(keyB))
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 3)
}

func TestDictMissingKey(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpBuildDict, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("missing")))
	cb.Emit(bytecode.OpLoadSubscript)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "KeyError" {
		t.Fatalf("kind = %q, want KeyError", got)
	}
}

func TestSetMembership(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpBuildSet, 3)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpLoadSubscript)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Kind() != KBool || !result.AsBool() {
		t.Fatalf("membership = %s, want true", result)
	}
}

func TestTupleIsImmutable(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpBuildTuple, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(9)))
	cb.Emit(bytecode.OpStoreSubscript)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Null()))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "TypeError" {
		t.Fatalf("kind = %q, want TypeError", got)
	}
}

func TestIterationSum(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpStoreLocal, 0)
	for _, v := range []int64{1, 2, 3, 4} {
		cb.Emit(bytecode.OpLoadConst, uint32(b.Int(v)))
	}
	cb.Emit(bytecode.OpBuildList, 4)
	cb.Emit(bytecode.OpGetIter)
	loop := cb.Pos()
	cb.Emit(bytecode.OpForIter, 0)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(loop, cb.Pos())
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	mustInt(t, result, 10)
}

func TestDictIterationKeyOrder(t *testing.T) {
	// Collect dict keys in insertion order: acc = acc + key each pass.
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 2) // 0: acc, 1: key
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("")))
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("a")))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Str("b")))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpBuildDict, 2)
	cb.Emit(bytecode.OpGetIter)
	loop := cb.Pos()
	cb.Emit(bytecode.OpForIter, 0)
	cb.Emit(bytecode.OpStoreLocal, 1)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 1)
	cb.Emit(bytecode.OpAdd)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(loop, cb.Pos())
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	result, m, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := m.heap.Render(result); got != "ab" {
		t.Fatalf("keys = %q, want %q", got, "ab")
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 1) // 0: the list
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(2)))
	cb.Emit(bytecode.OpBuildList, 2)
	cb.Emit(bytecode.OpStoreLocal, 0)
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpGetIter)
	loop := cb.Pos()
	cb.Emit(bytecode.OpForIter, 0)
	cb.Emit(bytecode.OpPop)
	// Mutate the list mid-iteration.
	cb.Emit(bytecode.OpLoadLocal, 0)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(0)))
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(99)))
	cb.Emit(bytecode.OpStoreSubscript)
	cb.Emit(bytecode.OpJump, loop)
	cb.PatchTarget(loop, cb.Pos())
	cb.Emit(bytecode.OpLoadConst, uint32(b.Null()))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "ConcurrentModification" {
		t.Fatalf("kind = %q, want ConcurrentModification", got)
	}
}

func TestExceptionUnwindsCallFrames(t *testing.T) {
	b := bytecode.NewBuilder()
	entry := b.NewCode(0, 0)
	setup := entry.Pos()
	entry.Emit(bytecode.OpSetupExcept, 0)
	entry.Emit(bytecode.OpMakeFunction, 1)
	entry.Emit(bytecode.OpCall, 0)
	entry.Emit(bytecode.OpPopExcept)
	entry.Emit(bytecode.OpReturn)
	entry.PatchTarget(setup, entry.Pos())
	entry.Emit(bytecode.OpReturn) // return the caught value
	entry.Seal()

	boom := b.NewCode(0, 0)
	boom.Emit(bytecode.OpLoadConst, uint32(b.Str("boom")))
	boom.Emit(bytecode.OpRaise)
	boom.Seal()

	result, m, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := m.heap.Render(result); got != "boom" {
		t.Fatalf("caught = %q, want %q", got, "boom")
	}
	if m.FrameDepth() != 0 {
		t.Fatalf("frame depth after unwind = %d, want 0", m.FrameDepth())
	}
}

func TestJumpToEndReturnsNull(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpJump, 5)
	cb.Seal()

	result, _, err := execImage(t, b.Image(), Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !result.IsNull() {
		t.Fatalf("result = %s, want null", result)
	}
}

func TestBreakpointInvokesHandler(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpBreakpoint)
	cb.Emit(bytecode.OpLoadConst, uint32(b.Int(1)))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	analysis, err := bytecode.Validate(b.Image())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m := New(Options{Debug: true})
	hits := 0
	m.SetBreakHandler(func(inner *VM) {
		hits++
		// The stop point is the resume position, just past the 1-byte
		// Breakpoint.
		sp := inner.Stopped()
		if sp.Offset != 1 || sp.FrameCount != 1 {
			t.Errorf("stop point = %+v", sp)
		}
	})
	if _, vmErr := m.Exec(b.Image(), analysis); vmErr != nil {
		t.Fatalf("Exec: %v", vmErr)
	}
	if hits != 1 {
		t.Fatalf("break handler ran %d times, want 1", hits)
	}
}

func TestImportWithoutImporterIsCatchable(t *testing.T) {
	b := bytecode.NewBuilder()
	name := b.String("std:missing")
	cb := b.NewCode(0, 0)
	cb.Emit(bytecode.OpImportName, uint32(name))
	cb.Emit(bytecode.OpReturn)
	cb.Seal()

	_, m, err := execImage(t, b.Image(), Options{})
	if got := uncaughtKind(t, m, err); got != "ResolveError" {
		t.Fatalf("kind = %q, want ResolveError", got)
	}
}

func TestFaultBacktrace(t *testing.T) {
	b := bytecode.NewBuilder()
	entry := b.NewCode(0, 0)
	entry.Line(1)
	entry.Emit(bytecode.OpMakeFunction, 1)
	entry.Emit(bytecode.OpCall, 0)
	entry.Emit(bytecode.OpReturn)
	entry.Seal()

	inner := b.NewCode(0, 0)
	inner.Line(9)
	inner.Emit(bytecode.OpLoadConst, uint32(b.Int(7)))
	inner.Emit(bytecode.OpRaise)
	inner.Seal()

	_, _, err := execImage(t, b.Image(), Options{})
	if err == nil {
		t.Fatal("Exec succeeded, want uncaught exception")
	}
	if err.CodeObject != 1 {
		t.Errorf("fault code object = %d, want 1", err.CodeObject)
	}
	if len(err.Backtrace) != 2 {
		t.Fatalf("backtrace has %d frames, want 2", len(err.Backtrace))
	}
	if err.Backtrace[0].Line != 9 {
		t.Errorf("innermost frame line = %d, want 9", err.Backtrace[0].Line)
	}
}
