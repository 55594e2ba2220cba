package llvm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calyx-lang/calyx/bytecode"
)

func TestDebugRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    *bytecode.Func
		want []DebugPoint
	}{
		{
			name: "locations and branch target",
			f: &bytecode.Func{
				Name:  "proc",
				NRegs: 2,
				Instrs: []bytecode.Instr{
					{Op: bytecode.Debug, Arg1: bytecode.LocVal("entity.vhd", 5)},
					{Op: bytecode.Mov, Result: 0, Arg1: bytecode.IntVal(1)},
					{Op: bytecode.Debug, Arg1: bytecode.LocVal("entity.vhd", 6)},
					{Op: bytecode.Mov, Result: 1, Arg1: bytecode.IntVal(2)},
					{Op: bytecode.Jump, Arg1: bytecode.LabelVal(6)},
					{Op: bytecode.Mov, Result: 0, Arg1: bytecode.IntVal(3)},
					{Op: bytecode.Ret},
				},
			},
			want: []DebugPoint{
				{Pos: 0, File: "entity.vhd", Line: 5},
				{Pos: 1, File: "entity.vhd", Line: 6},
				{Pos: 4, Target: true, File: "entity.vhd", Line: 6},
			},
		},
		{
			name: "file change and long line",
			f: &bytecode.Func{
				Name:  "pkg",
				NRegs: 1,
				Instrs: []bytecode.Instr{
					{Op: bytecode.Debug, Arg1: bytecode.LocVal("a.vhd", 3)},
					{Op: bytecode.Mov, Result: 0, Arg1: bytecode.IntVal(1)},
					{Op: bytecode.Debug, Arg1: bytecode.LocVal("b.vhd", 300)},
					{Op: bytecode.Debug, Arg1: bytecode.LocVal("b.vhd", 301)},
					{Op: bytecode.Ret},
				},
			},
			want: []DebugPoint{
				{Pos: 0, File: "a.vhd", Line: 3},
				{Pos: 1, File: "b.vhd", Line: 300},
				{Pos: 1, File: "b.vhd", Line: 301},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bytecode.BuildCFG(test.f)
			enc := EncodeDebug(test.f)
			got := DecodeDebug(enc)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDebugLongRun(t *testing.T) {
	f := &bytecode.Func{Name: "long", NRegs: 1}
	for i := 0; i < 20; i++ {
		f.Instrs = append(f.Instrs,
			bytecode.Instr{Op: bytecode.Mov, Result: 0, Arg1: bytecode.IntVal(int64(i))})
	}
	f.Instrs = append(f.Instrs, bytecode.Instr{Op: bytecode.Jump, Arg1: bytecode.LabelVal(0)})
	bytecode.BuildCFG(f)

	enc := EncodeDebug(f)
	want := []byte{dcTarget << 4, dcLongTrap << 4, 21, 0, dcStop << 4}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("encoding mismatch (-want +got):\n%s", diff)
	}

	got := DecodeDebug(enc)
	wantPoints := []DebugPoint{{Pos: 0, Target: true}}
	if diff := cmp.Diff(wantPoints, got); diff != "" {
		t.Errorf("decoding mismatch (-want +got):\n%s", diff)
	}
}

func TestDebugEmptyStream(t *testing.T) {
	f := &bytecode.Func{
		Name:   "nil",
		NRegs:  1,
		Instrs: []bytecode.Instr{{Op: bytecode.Ret}},
	}
	bytecode.BuildCFG(f)

	enc := EncodeDebug(f)
	want := []byte{dcTrap<<4 | 1, dcStop << 4}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("encoding mismatch (-want +got):\n%s", diff)
	}
	if got := DecodeDebug(enc); len(got) != 0 {
		t.Errorf("DecodeDebug returned %d points, want 0", len(got))
	}
}
