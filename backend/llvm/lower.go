package llvm

import (
	"github.com/calyx-lang/calyx/bytecode"
	"tinygo.org/x/go-llvm"
)

// lower generates code for one instruction at buffer position pos into
// the current block.
func (fn *function) lower(cgb *block, pos int, ir *bytecode.Instr) {
	switch ir.Op {
	case bytecode.Recv:
		cgb.opRecv(ir)
	case bytecode.Send:
		cgb.opSend(ir)
	case bytecode.Store:
		cgb.opStore(ir)
	case bytecode.Load, bytecode.ULoad:
		cgb.opLoad(ir)
	case bytecode.Add:
		cgb.opArith(ir, fnAddOverflowS8, fnAddOverflowU8, llvm.Add)
	case bytecode.Sub:
		cgb.opArith(ir, fnSubOverflowS8, fnSubOverflowU8, llvm.Sub)
	case bytecode.Mul:
		cgb.opArith(ir, fnMulOverflowS8, fnMulOverflowU8, llvm.Mul)
	case bytecode.Div:
		cgb.opDiv(ir)
	case bytecode.Rem:
		cgb.opRem(ir)
	case bytecode.FAdd, bytecode.FSub, bytecode.FMul, bytecode.FDiv:
		cgb.opFArith(ir)
	case bytecode.FNeg:
		cgb.opFNeg(ir)
	case bytecode.FCvtNS:
		cgb.opFCvtNS(ir)
	case bytecode.SCvtF:
		cgb.opSCvtF(ir)
	case bytecode.Not:
		cgb.opNot(ir)
	case bytecode.And, bytecode.Or, bytecode.Xor:
		cgb.opLogical(ir)
	case bytecode.Ret:
		cgb.opRet()
	case bytecode.Jump:
		cgb.opJump(pos, ir)
	case bytecode.Cmp:
		cgb.opCmp(pos, ir)
	case bytecode.FCmp:
		cgb.opFCmp(pos, ir)
	case bytecode.CSet:
		cgb.storeZExt(ir, cgb.outFlags)
	case bytecode.CSel:
		cgb.opCSel(ir)
	case bytecode.Call:
		cgb.opCall(pos, ir)
	case bytecode.Lea:
		cgb.opLea(ir)
	case bytecode.Mov:
		cgb.storeSExt(ir, cgb.value(ir.Arg1))
	case bytecode.Neg:
		cgb.opNeg(ir)
	case bytecode.Debug:
		// Location metadata only; encoded separately.
	case bytecode.Exp:
		cgb.macroExp(ir)
	case bytecode.FExp:
		cgb.macroFExp(ir)
	case bytecode.Copy:
		cgb.macroCopy(ir)
	case bytecode.BZero:
		cgb.macroBZero(ir)
	case bytecode.Exit:
		cgb.macroExit(pos, ir)
	case bytecode.FFICall:
		cgb.macroFFICall(pos, ir)
	case bytecode.GAlloc:
		cgb.macroGAlloc(pos, ir)
	case bytecode.GetPriv:
		cgb.macroGetPriv(ir)
	case bytecode.PutPriv:
		cgb.macroPutPriv(ir)
	default:
		fn.abort(pos, "cannot generate LLVM for %s", ir.Op)
	}
}

func (cgb *block) opRecv(ir *bytecode.Instr) {
	o := cgb.fn.obj
	nth := ir.Arg1.Int64
	if ir.Arg1.Kind != bytecode.ValueInt64 || nth < 0 || nth >= bytecode.MaxArgs {
		cgb.fn.abort(cgb.pos, "bad argument slot %s in RECV", ir.Arg1)
	}
	indexes := []llvm.Value{o.constInt32(nth)}
	ptr := o.b.CreateInBoundsGEP(o.types[typeInt64], cgb.fn.args, indexes, "")
	cgb.outRegs[ir.Result] =
		o.b.CreateLoad(o.types[typeInt64], ptr, regName(ir.Result))
}

func (cgb *block) opSend(ir *bytecode.Instr) {
	o := cgb.fn.obj
	nth := ir.Arg1.Int64
	if ir.Arg1.Kind != bytecode.ValueInt64 || nth < 0 || nth >= bytecode.MaxArgs {
		cgb.fn.abort(cgb.pos, "bad argument slot %s in SEND", ir.Arg1)
	}
	value := cgb.value(ir.Arg2)
	indexes := []llvm.Value{o.constInt32(nth)}
	ptr := o.b.CreateInBoundsGEP(o.types[typeInt64], cgb.fn.args, indexes, "")
	o.b.CreateStore(value, ptr)
}

func (cgb *block) opStore(ir *bytecode.Instr) {
	o := cgb.fn.obj
	value := cgb.coerce(ir.Arg1, typeInt8+typeKind(ir.Size))
	ptr := cgb.coerce(ir.Arg2, typePtr)
	o.b.CreateStore(value, ptr)
}

func (cgb *block) opLoad(ir *bytecode.Instr) {
	o := cgb.fn.obj
	t := typeInt8 + typeKind(ir.Size)
	ptr := cgb.coerce(ir.Arg1, typePtr)

	if t == typeInt64 {
		cgb.outRegs[ir.Result] =
			o.b.CreateLoad(o.types[t], ptr, regName(ir.Result))
	} else {
		tmp := o.b.CreateLoad(o.types[t], ptr, "")
		if ir.Op == bytecode.ULoad {
			cgb.storeZExt(ir, tmp)
		} else {
			cgb.storeSExt(ir, tmp)
		}
	}
}

// opArith lowers Add, Sub, and Mul. The overflow and carry condition
// codes route through the checked intrinsics at the instruction's width;
// otherwise it is a plain 64-bit operation.
func (cgb *block) opArith(ir *bytecode.Instr, signed, unsigned fnKind, op llvm.Opcode) {
	o := cgb.fn.obj

	var base fnKind = -1
	switch ir.CC {
	case bytecode.CCO:
		base = signed
	case bytecode.CCC:
		base = unsigned
	}

	if base >= 0 {
		t := typeInt8 + typeKind(ir.Size)
		arg1 := cgb.coerce(ir.Arg1, t)
		arg2 := cgb.coerce(ir.Arg2, t)

		pair := o.callFn(base+fnKind(ir.Size), []llvm.Value{arg1, arg2})
		result := o.b.CreateExtractValue(pair, 0, "")
		cgb.outFlags = o.b.CreateExtractValue(pair, 1, "FLAGS")

		if ir.CC == bytecode.CCC {
			cgb.storeZExt(ir, result)
		} else {
			cgb.storeSExt(ir, result)
		}
		return
	}

	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)
	var result llvm.Value
	switch op {
	case llvm.Add:
		result = o.b.CreateAdd(arg1, arg2, regName(ir.Result))
	case llvm.Sub:
		result = o.b.CreateSub(arg1, arg2, regName(ir.Result))
	default:
		result = o.b.CreateMul(arg1, arg2, regName(ir.Result))
	}
	cgb.outRegs[ir.Result] = result
}

func (cgb *block) opDiv(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)
	cgb.outRegs[ir.Result] = o.b.CreateSDiv(arg1, arg2, regName(ir.Result))
}

func (cgb *block) opRem(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)
	cgb.outRegs[ir.Result] = o.b.CreateSRem(arg1, arg2, regName(ir.Result))
}

func (cgb *block) opFArith(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeDouble)
	arg2 := cgb.coerce(ir.Arg2, typeDouble)

	var real llvm.Value
	switch ir.Op {
	case bytecode.FAdd:
		real = o.b.CreateFAdd(arg1, arg2, "")
	case bytecode.FSub:
		real = o.b.CreateFSub(arg1, arg2, "")
	case bytecode.FMul:
		real = o.b.CreateFMul(arg1, arg2, "")
	default:
		real = o.b.CreateFDiv(arg1, arg2, "")
	}
	cgb.storeSExt(ir, real)
}

func (cgb *block) opFNeg(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeDouble)
	cgb.storeSExt(ir, o.b.CreateFNeg(arg1, ""))
}

func (cgb *block) opFCvtNS(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeDouble)
	rounded := o.callFn(fnRoundF64, []llvm.Value{arg1})
	cgb.outRegs[ir.Result] =
		o.b.CreateFPToSI(rounded, o.types[typeInt64], regName(ir.Result))
}

func (cgb *block) opSCvtF(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	real := o.b.CreateSIToFP(arg1, o.types[typeDouble], "")
	cgb.storeSExt(ir, real)
}

func (cgb *block) opNot(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeInt1)
	cgb.storeZExt(ir, o.b.CreateNot(arg1, ""))
}

func (cgb *block) opLogical(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeInt1)
	arg2 := cgb.coerce(ir.Arg2, typeInt1)

	var logical llvm.Value
	switch ir.Op {
	case bytecode.And:
		logical = o.b.CreateAnd(arg1, arg2, "")
	case bytecode.Or:
		logical = o.b.CreateOr(arg1, arg2, "")
	default:
		logical = o.b.CreateXor(arg1, arg2, "")
	}
	cgb.storeZExt(ir, logical)
}

func (cgb *block) opRet() {
	cgb.fn.obj.b.CreateRetVoid()
	cgb.terminated = true
}

func (cgb *block) opJump(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	switch ir.CC {
	case bytecode.CCNone:
		dest := cgb.fn.blocks[cgb.source.Out[0]].bb
		o.b.CreateBr(dest)
	case bytecode.CCT:
		destT := cgb.fn.blocks[cgb.source.Out[1]].bb
		destF := cgb.fn.blocks[cgb.idx+1].bb
		o.b.CreateCondBr(cgb.outFlags, destT, destF)
	case bytecode.CCF:
		destT := cgb.fn.blocks[cgb.source.Out[1]].bb
		destF := cgb.fn.blocks[cgb.idx+1].bb
		o.b.CreateCondBr(cgb.outFlags, destF, destT)
	default:
		cgb.fn.abort(pos, "unhandled jump condition code")
	}
	cgb.terminated = true
}

func (cgb *block) opCmp(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)

	var pred llvm.IntPredicate
	switch ir.CC {
	case bytecode.CCEQ:
		pred = llvm.IntEQ
	case bytecode.CCNE:
		pred = llvm.IntNE
	case bytecode.CCGT:
		pred = llvm.IntSGT
	case bytecode.CCLT:
		pred = llvm.IntSLT
	case bytecode.CCLE:
		pred = llvm.IntSLE
	case bytecode.CCGE:
		pred = llvm.IntSGE
	default:
		cgb.fn.abort(pos, "unhandled cmp condition code")
	}
	cgb.outFlags = o.b.CreateICmp(pred, arg1, arg2, "FLAGS")
}

func (cgb *block) opFCmp(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeDouble)
	arg2 := cgb.coerce(ir.Arg2, typeDouble)

	var pred llvm.FloatPredicate
	switch ir.CC {
	case bytecode.CCEQ:
		pred = llvm.FloatUEQ
	case bytecode.CCNE:
		pred = llvm.FloatUNE
	case bytecode.CCGT:
		pred = llvm.FloatUGT
	case bytecode.CCLT:
		pred = llvm.FloatULT
	case bytecode.CCLE:
		pred = llvm.FloatULE
	case bytecode.CCGE:
		pred = llvm.FloatUGE
	default:
		cgb.fn.abort(pos, "unhandled fcmp condition code")
	}
	cgb.outFlags = o.b.CreateFCmp(pred, arg1, arg2, "FLAGS")
}

func (cgb *block) opCSel(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)
	result := o.b.CreateSelect(cgb.outFlags, arg1, arg2, "")
	cgb.storeSExt(ir, result)
}

func (cgb *block) opCall(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	cgb.syncIRPos(pos)

	callee := cgb.fn.def.State().Func(ir.Arg1.Handle)

	var entry, fptr llvm.Value
	if !o.ctor.IsNil() {
		// Relocatable code calls through the trampoline with a
		// descriptor pointer resolved once at load time.
		entry = o.getFn(fnTrampoline)
		fptr = o.indirect(callee.Name()+".func", func() llvm.Value {
			args := []llvm.Value{o.constString(callee.Name())}
			return o.callFn(fnGetFunc, args)
		})
	} else {
		entry = o.constPtr(callee.Entry())
		fptr = o.constPtr(callee.RT)
	}

	args := []llvm.Value{fptr, cgb.fn.anchor, cgb.fn.args}
	o.b.CreateCall(o.typ(typeEntryFn), entry, args, "")
}

func (cgb *block) opLea(ir *bytecode.Instr) {
	o := cgb.fn.obj
	ptr := cgb.value(ir.Arg1)
	if ptr.Type().TypeKind() == llvm.PointerTypeKind {
		cgb.outRegs[ir.Result] =
			o.b.CreatePtrToInt(ptr, o.types[typeInt64], regName(ir.Result))
	} else {
		cgb.storeZExt(ir, ptr)
	}
}

func (cgb *block) opNeg(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	cgb.outRegs[ir.Result] = o.b.CreateNeg(arg1, regName(ir.Result))
}

func (cgb *block) macroExp(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.value(ir.Arg1)
	arg2 := cgb.value(ir.Arg2)

	// TODO: implement this without the round trip through double
	cast := []llvm.Value{
		o.b.CreateUIToFP(arg1, o.types[typeDouble], ""),
		o.b.CreateUIToFP(arg2, o.types[typeDouble], ""),
	}
	real := o.callFn(fnPowF64, cast)
	cgb.outRegs[ir.Result] =
		o.b.CreateFPToUI(real, o.types[typeInt64], regName(ir.Result))
}

func (cgb *block) macroFExp(ir *bytecode.Instr) {
	o := cgb.fn.obj
	arg1 := cgb.coerce(ir.Arg1, typeDouble)
	arg2 := cgb.coerce(ir.Arg2, typeDouble)
	real := o.callFn(fnPowF64, []llvm.Value{arg1, arg2})
	cgb.storeSExt(ir, real)
}

func (cgb *block) macroCopy(ir *bytecode.Instr) {
	o := cgb.fn.obj
	count := cgb.value(bytecode.RegVal(ir.Result))
	dest := cgb.coerce(ir.Arg1, typePtr)
	src := cgb.coerce(ir.Arg2, typePtr)
	o.callFn(fnMemMove, []llvm.Value{dest, src, count, o.constInt1(false)})
}

func (cgb *block) macroBZero(ir *bytecode.Instr) {
	o := cgb.fn.obj
	count := cgb.value(bytecode.RegVal(ir.Result))
	dest := cgb.coerce(ir.Arg1, typePtr)
	o.callFn(fnMemSet, []llvm.Value{dest, o.constInt8(0), count, o.constInt1(false)})
}

func (cgb *block) macroExit(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	cgb.syncIRPos(pos)

	which := cgb.value(ir.Arg1)
	args := []llvm.Value{which, cgb.fn.anchor, cgb.fn.args}
	o.callFn(fnDoExit, args)
}

func (cgb *block) macroFFICall(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj
	cgb.syncIRPos(pos)

	var ffptr llvm.Value
	switch {
	case !o.ctor.IsNil():
		if ir.Arg1.Kind != bytecode.ValueForeign {
			cgb.fn.abort(pos, "foreign call target must be a foreign value")
		}
		f := ir.Arg1.Foreign
		ffptr = o.indirect(f.Sym+".ffi", func() llvm.Value {
			args := []llvm.Value{
				o.constString(f.Sym),
				o.constInt64(int64(f.Spec)),
			}
			return o.callFn(fnGetForeign, args)
		})
	case ir.Arg1.Kind == bytecode.ValueForeign:
		ffptr = o.constPtr(ir.Arg1.Foreign.Addr)
	default:
		ffptr = cgb.coerce(ir.Arg1, typePtr)
	}

	args := []llvm.Value{ffptr, cgb.fn.anchor, cgb.fn.args}
	o.callFn(fnFFICall, args)
}

func (cgb *block) macroGAlloc(pos int, ir *bytecode.Instr) {
	o := cgb.fn.obj

	// TODO: use a thread-local allocation buffer for the fast path

	cgb.syncIRPos(pos)

	size := cgb.value(ir.Arg1)
	args := []llvm.Value{
		o.b.CreateTrunc(size, o.types[typeInt32], ""),
		o.constInt32(1),
	}
	ptr := o.callFn(fnAlloc, args)
	cgb.outRegs[ir.Result] =
		o.b.CreatePtrToInt(ptr, o.types[typeInt64], regName(ir.Result))
}

func (cgb *block) macroGetPriv(ir *bytecode.Instr) {
	o := cgb.fn.obj
	args := []llvm.Value{cgb.coerce(ir.Arg1, typeInt32)}
	ptr := o.callFn(fnGetPriv, args)
	cgb.outRegs[ir.Result] =
		o.b.CreatePtrToInt(ptr, o.types[typeInt64], regName(ir.Result))
}

func (cgb *block) macroPutPriv(ir *bytecode.Instr) {
	o := cgb.fn.obj
	args := []llvm.Value{
		cgb.coerce(ir.Arg1, typeInt32),
		cgb.coerce(ir.Arg2, typePtr),
	}
	o.callFn(fnPutPriv, args)
}

// indirect returns the value of a private pointer global filled in by
// the static initializer: the first reference creates the global and
// appends a call to init in the initializer; later references load the
// same slot.
func (o *obj) indirect(name string, init func() llvm.Value) llvm.Value {
	global := o.mod.NamedGlobal(name)
	if global.IsNil() {
		global = llvm.AddGlobal(o.mod, o.types[typePtr], name)
		global.SetUnnamedAddr(true)
		global.SetLinkage(llvm.PrivateLinkage)
		global.SetInitializer(llvm.ConstNull(o.types[typePtr]))

		old := o.beginCtor()
		o.b.CreateStore(init(), global)
		o.endCtor(old)
	}
	return o.b.CreateLoad(o.types[typePtr], global, "")
}
