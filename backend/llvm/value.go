package llvm

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/calyx-lang/calyx/bytecode"
	"tinygo.org/x/go-llvm"
)

func regName(r int) string { return fmt.Sprintf("R%d", r) }

// value materializes an operand in the current block. Register operands
// are uniformly i64 between instructions; frame and constant-pool
// addresses produce pointers; register-indirect addresses stay integer
// and are converted to pointers at the use site.
func (cgb *block) value(v bytecode.Value) llvm.Value {
	o := cgb.fn.obj
	src := cgb.fn.source
	switch v.Kind {
	case bytecode.ValueReg:
		if v.Reg < 0 || v.Reg >= src.NRegs || cgb.outRegs[v.Reg].IsNil() {
			cgb.fn.abort(cgb.pos, "%s: read of undefined register R%d", src.Name, v.Reg)
		}
		return cgb.outRegs[v.Reg]
	case bytecode.ValueInt64:
		return o.constInt64(v.Int64)
	case bytecode.ValueDouble:
		return o.constReal(v.Double)
	case bytecode.AddrFrame:
		if v.Int64 < 0 || v.Int64 >= int64(src.FrameSize) {
			cgb.fn.abort(cgb.pos, "%s: frame offset %d out of range", src.Name, v.Int64)
		}
		indexes := []llvm.Value{o.constIntPtr(v.Int64)}
		return o.b.CreateInBoundsGEP(o.types[typeInt8], cgb.fn.frame, indexes, "")
	case bytecode.AddrCPool:
		if v.Int64 < 0 || v.Int64 > int64(len(src.CPool)) {
			cgb.fn.abort(cgb.pos, "%s: constant pool offset %d out of range", src.Name, v.Int64)
		}
		if !cgb.fn.cpool.IsNil() {
			indexes := []llvm.Value{o.constIntPtr(v.Int64)}
			return o.b.CreateInBoundsGEP(o.types[typeInt8], cgb.fn.cpool, indexes, "")
		}
		// The tiered code is wired directly to the in-process pool.
		base := uintptr(unsafe.Pointer(unsafe.SliceData(src.CPool)))
		return o.constPtr(base + uintptr(v.Int64))
	case bytecode.AddrReg:
		ptr := cgb.value(bytecode.RegVal(v.Reg))
		if v.Disp != 0 {
			ptr = o.b.CreateAdd(ptr, o.constInt64(v.Disp), "")
		}
		return ptr
	case bytecode.ValueExit:
		return o.constInt32(v.Int64)
	case bytecode.ValueHandle:
		return o.constInt32(int64(v.Handle))
	case bytecode.AddrAbs:
		if !o.ctor.IsNil() && v.Int64 != 0 {
			cgb.fn.abort(cgb.pos, "%s: absolute address %#x in relocatable code",
				src.Name, uint64(v.Int64))
		}
		return o.constPtr(uintptr(v.Int64))
	case bytecode.ValueForeign:
		// The dispatch primitive resolves the real target; the operand
		// slot only needs a recognizable placeholder.
		return o.constPtr(0xdeadbeef)
	default:
		cgb.fn.abort(cgb.pos, "%s: cannot handle value kind %d", src.Name, v.Kind)
		panic("impossible")
	}
}

// coerce materializes an operand and converts it to the representation
// the instruction needs.
func (cgb *block) coerce(v bytecode.Value, k typeKind) llvm.Value {
	o := cgb.fn.obj
	raw := cgb.value(v)
	t := raw.Type()

	switch k {
	case typePtr:
		if t.TypeKind() == llvm.IntegerTypeKind {
			return o.b.CreateIntToPtr(raw, o.types[typePtr], "")
		}
		return raw

	case typeIntPtr, typeInt64, typeInt32, typeInt16, typeInt8, typeInt1:
		switch t.TypeKind() {
		case llvm.PointerTypeKind:
			return o.b.CreatePtrToInt(raw, o.types[k], "")
		case llvm.IntegerTypeKind:
			bits1 := t.IntTypeWidth()
			bits2 := o.types[k].IntTypeWidth()
			switch {
			case bits2 == 1:
				zero := llvm.ConstInt(t, 0, false)
				return o.b.CreateICmp(llvm.IntNE, raw, zero, "")
			case bits1 < bits2:
				return o.b.CreateSExt(raw, o.types[k], "")
			case bits1 == bits2:
				return raw
			default:
				return o.b.CreateTrunc(raw, o.types[k], "")
			}
		case llvm.DoubleTypeKind:
			return o.b.CreateBitCast(raw, o.types[k], "")
		default:
			panic(fmt.Sprintf("cannot coerce %s to integer", t.String()))
		}

	case typeDouble:
		if t.TypeKind() == llvm.DoubleTypeKind {
			return raw
		}
		return o.b.CreateBitCast(raw, o.types[k], "")

	default:
		return raw
	}
}

// storeSExt writes an instruction result to its register, widening to
// the uniform 64-bit register representation by sign extension. Doubles
// are stored bit-for-bit.
func (cgb *block) storeSExt(ir *bytecode.Instr, v llvm.Value) {
	o := cgb.fn.obj
	t := v.Type()
	switch t.TypeKind() {
	case llvm.IntegerTypeKind:
		if t.IntTypeWidth() == 64 {
			cgb.outRegs[ir.Result] = v
		} else {
			cgb.outRegs[ir.Result] =
				o.b.CreateSExt(v, o.types[typeInt64], regName(ir.Result))
		}
	case llvm.DoubleTypeKind:
		cgb.outRegs[ir.Result] =
			o.b.CreateBitCast(v, o.types[typeInt64], regName(ir.Result))
	default:
		panic(fmt.Sprintf("unhandled type %s in storeSExt", t.String()))
	}
}

// storeZExt is storeSExt with zero extension.
func (cgb *block) storeZExt(ir *bytecode.Instr, v llvm.Value) {
	o := cgb.fn.obj
	t := v.Type()
	switch t.TypeKind() {
	case llvm.IntegerTypeKind:
		if t.IntTypeWidth() == 64 {
			cgb.outRegs[ir.Result] = v
		} else {
			cgb.outRegs[ir.Result] =
				o.b.CreateZExt(v, o.types[typeInt64], regName(ir.Result))
		}
	default:
		panic(fmt.Sprintf("unhandled type %s in storeZExt", t.String()))
	}
}

// syncIRPos records the current instruction position in the frame anchor
// before any operation that can re-enter the runtime, so stack traces
// and resumption know where the function stopped.
func (cgb *block) syncIRPos(pos int) {
	o := cgb.fn.obj
	ptr := o.b.CreateStructGEP(o.typ(typeAnchor), cgb.fn.anchor, 2, "irpos")
	o.b.CreateStore(o.constInt32(int64(pos)), ptr)
}

// abort reports a fatal lowering error, dumping the function with the
// offending instruction marked.
func (fn *function) abort(pos int, format string, args ...interface{}) {
	fn.source.Dump(os.Stderr, pos)
	panic(fmt.Sprintf(format, args...))
}
