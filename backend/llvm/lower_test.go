package llvm

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tinygo.org/x/go-llvm"

	"github.com/calyx-lang/calyx/bytecode"
	"github.com/calyx-lang/calyx/jit"
)

// testCompile lowers the session function into a fresh module that is
// released when the test finishes.
func testCompile(t *testing.T, f *jit.Func) *obj {
	t.Helper()
	nativeInit()

	tm := targetMachine(llvm.RelocDefault, llvm.CodeModelJITDefault)
	ctx := llvm.NewContext()
	o := newObj(f.Name(), ctx, tm, false)
	t.Cleanup(func() {
		o.b.Dispose()
		o.td.Dispose()
		o.mod.Dispose()
		ctx.Dispose()
		tm.Dispose()
	})

	o.compileFunc(f)
	return o
}

// testObj lowers the session function and verifies the result, returning
// the IR listing.
func testObj(t *testing.T, f *jit.Func) string {
	t.Helper()
	o := testCompile(t, f)
	if err := llvm.VerifyModule(o.mod, llvm.ReturnStatusAction); err != nil {
		t.Fatalf("%s: %s\n%s", f.Name(), err, o.mod.String())
	}
	return o.mod.String()
}

// testObjOpt is testObj followed by the standard optimization pipeline,
// so constant operands fold all the way through to the stores.
func testObjOpt(t *testing.T, f *jit.Func) string {
	t.Helper()
	o := testCompile(t, f)
	o.finalise(f.Name())
	return o.mod.String()
}

func TestCompileBranchPhis(t *testing.T) {
	s := jit.New()
	defer s.Close()

	// max(a, b): the result register merges at the join block.
	f := s.Add(&bytecode.Func{
		Name:  "max",
		NRegs: 2,
		Instrs: []bytecode.Instr{
			{Op: bytecode.Recv, Result: 0, Arg1: bytecode.IntVal(0)},
			{Op: bytecode.Recv, Result: 1, Arg1: bytecode.IntVal(1)},
			{Op: bytecode.Cmp, CC: bytecode.CCGT, Arg1: bytecode.RegVal(0), Arg2: bytecode.RegVal(1)},
			{Op: bytecode.Jump, CC: bytecode.CCT, Arg1: bytecode.LabelVal(5)},
			{Op: bytecode.Mov, Result: 0, Arg1: bytecode.RegVal(1)},
			{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(0)},
			{Op: bytecode.Ret},
		},
	})

	ir := testObj(t, f)
	if !strings.Contains(ir, "phi i64") {
		t.Errorf("no register phi in lowered IR:\n%s", ir)
	}
	if !strings.Contains(ir, "phi i1") {
		t.Errorf("no flags phi in lowered IR:\n%s", ir)
	}
	if !strings.Contains(ir, "br i1") {
		t.Errorf("no conditional branch in lowered IR:\n%s", ir)
	}
}

func TestCompileLoopAtEntry(t *testing.T) {
	s := jit.New()
	defer s.Close()

	// The loop head is instruction 0, so the first block has both the
	// entry seed and a back edge: the counter must be a phi there, not
	// its zero seed, or the whole loop folds away.
	f := s.Add(&bytecode.Func{
		Name:  "count",
		NRegs: 1,
		Instrs: []bytecode.Instr{
			{Op: bytecode.Add, Result: 0, Arg1: bytecode.RegVal(0), Arg2: bytecode.IntVal(1)},
			{Op: bytecode.Cmp, CC: bytecode.CCLT, Arg1: bytecode.RegVal(0), Arg2: bytecode.IntVal(10)},
			{Op: bytecode.Jump, CC: bytecode.CCT, Arg1: bytecode.LabelVal(0)},
			{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(0)},
			{Op: bytecode.Ret},
		},
	})

	ir := testObj(t, f)
	if !strings.Contains(ir, "phi i64") {
		t.Errorf("no register phi in lowered IR:\n%s", ir)
	}
	if strings.Contains(ir, "br i1 true") {
		t.Errorf("loop condition folded to a constant:\n%s", ir)
	}
}

func TestCheckedArithIntrinsics(t *testing.T) {
	tests := []struct {
		name string
		op   bytecode.Op
		cc   bytecode.CC
		size bytecode.Size
		want string
	}{
		{"add overflow 32", bytecode.Add, bytecode.CCO, bytecode.Sz32, "llvm.sadd.with.overflow.i32"},
		{"add carry 8", bytecode.Add, bytecode.CCC, bytecode.Sz8, "llvm.uadd.with.overflow.i8"},
		{"sub overflow 64", bytecode.Sub, bytecode.CCO, bytecode.Sz64, "llvm.ssub.with.overflow.i64"},
		{"mul carry 16", bytecode.Mul, bytecode.CCC, bytecode.Sz16, "llvm.umul.with.overflow.i16"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := jit.New()
			defer s.Close()

			f := s.Add(&bytecode.Func{
				Name:  "checked",
				NRegs: 3,
				Instrs: []bytecode.Instr{
					{Op: bytecode.Recv, Result: 0, Arg1: bytecode.IntVal(0)},
					{Op: test.op, CC: test.cc, Size: test.size,
						Result: 1, Arg1: bytecode.RegVal(0), Arg2: bytecode.IntVal(1)},
					{Op: bytecode.CSet, Result: 2},
					{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(2)},
					{Op: bytecode.Ret},
				},
			})

			ir := testObj(t, f)
			if !strings.Contains(ir, test.want) {
				t.Errorf("intrinsic %s not declared:\n%s", test.want, ir)
			}
		})
	}
}

func TestCheckedArithValues(t *testing.T) {
	tests := []struct {
		name   string
		op     bytecode.Op
		cc     bytecode.CC
		size   bytecode.Size
		a, b   int64
		flag   string
		result string
	}{
		{"signed 8-bit add overflows", bytecode.Add, bytecode.CCO, bytecode.Sz8, 100, 100, "1", "-56"},
		{"unsigned 8-bit add carries", bytecode.Add, bytecode.CCC, bytecode.Sz8, 200, 100, "1", "44"},
		{"unsigned 64-bit add in range", bytecode.Add, bytecode.CCC, bytecode.Sz64, 1, 2, "0", "3"},
		{"signed 32-bit sub overflows", bytecode.Sub, bytecode.CCO, bytecode.Sz32, -2147483648, 1, "1", "2147483647"},
		{"signed 16-bit mul overflows", bytecode.Mul, bytecode.CCO, bytecode.Sz16, 300, 300, "1", "24464"},
		{"unsigned 16-bit mul in range", bytecode.Mul, bytecode.CCC, bytecode.Sz16, 100, 4, "0", "400"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := jit.New()
			defer s.Close()

			f := s.Add(&bytecode.Func{
				Name:  "checked",
				NRegs: 3,
				Instrs: []bytecode.Instr{
					{Op: test.op, CC: test.cc, Size: test.size,
						Result: 1, Arg1: bytecode.IntVal(test.a), Arg2: bytecode.IntVal(test.b)},
					{Op: bytecode.CSet, Result: 2},
					{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(2)},
					{Op: bytecode.Send, Arg1: bytecode.IntVal(1), Arg2: bytecode.RegVal(1)},
					{Op: bytecode.Ret},
				},
			})

			// Constant operands fold through the intrinsic, the flag
			// extraction, and the width normalization, leaving the two
			// sends as constant stores.
			ir := testObjOpt(t, f)
			if want := "store i64 " + test.flag + ","; !strings.Contains(ir, want) {
				t.Errorf("flag store %q missing:\n%s", want, ir)
			}
			if want := "store i64 " + test.result + ","; !strings.Contains(ir, want) {
				t.Errorf("result store %q missing:\n%s", want, ir)
			}
		})
	}
}

func TestFCmpUnordered(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name string
		cc   bytecode.CC
		a, b float64
		want string
	}{
		// The comparisons are unordered, so a NaN operand satisfies
		// every condition, not just not-equal.
		{"ne nan", bytecode.CCNE, nan, 1, "1"},
		{"eq nan", bytecode.CCEQ, nan, 1, "1"},
		{"lt nan", bytecode.CCLT, 1, nan, "1"},
		{"ge nan", bytecode.CCGE, 1, nan, "1"},
		{"eq ordered", bytecode.CCEQ, 1, 2, "0"},
		{"le ordered", bytecode.CCLE, 1, 2, "1"},
		{"gt ordered", bytecode.CCGT, 1, 2, "0"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := jit.New()
			defer s.Close()

			f := s.Add(&bytecode.Func{
				Name:  "fcmp",
				NRegs: 1,
				Instrs: []bytecode.Instr{
					{Op: bytecode.FCmp, CC: test.cc,
						Arg1: bytecode.FloatVal(test.a), Arg2: bytecode.FloatVal(test.b)},
					{Op: bytecode.CSet, Result: 0},
					{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(0)},
					{Op: bytecode.Ret},
				},
			})

			ir := testObj(t, f)
			if want := "store i64 " + test.want + ","; !strings.Contains(ir, want) {
				t.Errorf("flag store %q missing:\n%s", want, ir)
			}
		})
	}
}

func TestLoweringContractViolations(t *testing.T) {
	// A single-block graph whose liveness claims R0 is dead, so the send
	// reads a register that was never materialized.
	deadCFG := &bytecode.CFG{
		Blocks: []bytecode.Block{{
			First: 0, Last: 1, Returns: true,
			LiveIn:  bytecode.NewRegMask(1),
			LiveOut: bytecode.NewRegMask(1),
		}},
	}
	tests := []struct {
		name string
		f    *bytecode.Func
		cfg  *bytecode.CFG
	}{
		{
			name: "argument slot out of range",
			f: &bytecode.Func{
				Name:  "badslot",
				NRegs: 1,
				Instrs: []bytecode.Instr{
					{Op: bytecode.Recv, Result: 0, Arg1: bytecode.IntVal(99)},
					{Op: bytecode.Ret},
				},
			},
		},
		{
			name: "register read but not live",
			f: &bytecode.Func{
				Name:  "deadreg",
				NRegs: 1,
				Instrs: []bytecode.Instr{
					{Op: bytecode.Send, Arg1: bytecode.IntVal(0), Arg2: bytecode.RegVal(0)},
					{Op: bytecode.Ret},
				},
			},
			cfg: deadCFG,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := jit.New()
			defer s.Close()

			f := s.Add(test.f)
			f.CFG = test.cfg

			nativeInit()
			tm := targetMachine(llvm.RelocDefault, llvm.CodeModelJITDefault)
			ctx := llvm.NewContext()
			o := newObj(test.f.Name, ctx, tm, false)
			t.Cleanup(func() {
				o.b.Dispose()
				o.td.Dispose()
				o.mod.Dispose()
				ctx.Dispose()
				tm.Dispose()
			})

			defer func() {
				if recover() == nil {
					t.Errorf("lowering did not panic")
				}
			}()
			o.compileFunc(f)
		})
	}
}

func TestAOTIndirection(t *testing.T) {
	s := jit.New()
	defer s.Close()

	callee := s.Add(&bytecode.Func{
		Name:   "callee",
		NRegs:  1,
		Instrs: []bytecode.Instr{{Op: bytecode.Ret}},
	})

	foreign := &bytecode.Foreign{Sym: "clock_gettime", Spec: 0x42}
	caller := s.Add(&bytecode.Func{
		Name:  "caller",
		NRegs: 1,
		CPool: []byte{1, 2, 3, 4},
		Instrs: []bytecode.Instr{
			{Op: bytecode.Call, Arg1: bytecode.HandleVal(callee.Handle)},
			{Op: bytecode.Call, Arg1: bytecode.HandleVal(callee.Handle)},
			{Op: bytecode.FFICall, Arg1: bytecode.ForeignVal(foreign)},
			{Op: bytecode.Ret},
		},
	})

	a := NewAOT("unit")
	defer a.Close()

	a.Compile(caller)
	a.Compile(caller) // second compile is a no-op
	a.Compile(callee)

	mod := a.obj.mod
	for _, name := range []string{
		"callee.func", "clock_gettime.ffi", "caller.cpool",
		"caller.debug", "__calyx_abi_version",
	} {
		if mod.NamedGlobal(name).IsNil() {
			t.Errorf("global %s not emitted", name)
		}
	}
	for _, name := range []string{"__calyx_register", "__calyx_trampoline"} {
		if mod.NamedFunction(name).IsNil() {
			t.Errorf("runtime function %s not declared", name)
		}
	}

	// Two calls to the same callee share one indirection slot.
	ir := mod.String()
	if n := strings.Count(ir, "@callee.func = "); n != 1 {
		t.Errorf("callee.func defined %d times, want 1:\n%s", n, ir)
	}

	path := filepath.Join(t.TempDir(), "unit.o")
	if err := a.Emit(path); err != nil {
		t.Fatalf("Emit: %s", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("object file not written: %s", err)
	}
	if info.Size() == 0 {
		t.Errorf("object file is empty")
	}
}
