package llvm

import (
	"fmt"

	"github.com/calyx-lang/calyx/bytecode"
	"github.com/calyx-lang/calyx/jit"
	"tinygo.org/x/go-llvm"
)

// block is the lowering state for one basic block: the LLVM block, the
// flags and register values flowing through it, and the graph node it
// was built from. inFlags and inRegs hold the phi nodes created at the
// block head; outFlags and outRegs track the current values as
// instructions are lowered and are read by successors when the phis are
// wired up.
type block struct {
	bb         llvm.BasicBlock
	idx        int
	pos        int
	source     *bytecode.Block
	fn         *function
	inFlags    llvm.Value
	outFlags   llvm.Value
	inRegs     []llvm.Value
	outRegs    []llvm.Value
	terminated bool
}

// function is the lowering state for one function.
type function struct {
	obj    *obj
	def    *jit.Func
	source *bytecode.Func
	cfg    *bytecode.CFG
	llfn   llvm.Value
	args   llvm.Value
	frame  llvm.Value
	anchor llvm.Value
	cpool  llvm.Value
	blocks []block
}

func (fn *function) makeBlocks() {
	fn.blocks = make([]block, len(fn.cfg.Blocks))
	for i := range fn.blocks {
		cgb := &fn.blocks[i]
		cgb.bb = fn.obj.ctx.AddBasicBlock(fn.llfn, fmt.Sprintf("BB%d", i))
		cgb.idx = i
		cgb.source = &fn.cfg.Blocks[i]
		cgb.fn = fn
		cgb.inRegs = make([]llvm.Value, fn.source.NRegs)
		cgb.outRegs = make([]llvm.Value, fn.source.NRegs)
	}
}

// frameAnchor allocates the anchor record linking this activation to its
// caller and stores the incoming descriptor pointers into it.
func (fn *function) frameAnchor() {
	o := fn.obj
	t := o.typ(typeAnchor)
	fn.anchor = o.b.CreateAlloca(t, "anchor")

	funcArg := fn.llfn.Param(0)
	funcArg.SetName("func")
	callerArg := fn.llfn.Param(1)
	callerArg.SetName("caller")

	callerPtr := o.b.CreateStructGEP(t, fn.anchor, 0, "")
	o.b.CreateStore(callerArg, callerPtr)
	funcPtr := o.b.CreateStructGEP(t, fn.anchor, 1, "")
	o.b.CreateStore(funcArg, funcPtr)
	irposPtr := o.b.CreateStructGEP(t, fn.anchor, 2, "")
	o.b.CreateStore(o.constInt32(0), irposPtr)
}

// compileFunc lowers one bytecode function into the module. In
// ahead-of-time mode it also emits the function's constant pool and
// debug stream as private globals and the registration call in the
// static initializer.
func (o *obj) compileFunc(def *jit.Func) llvm.Value {
	src := def.Def
	if len(src.Instrs) == 0 {
		panic(fmt.Sprintf("%s has no instructions", src.Name))
	}
	cfg := def.CFG
	if cfg == nil {
		cfg = bytecode.BuildCFG(src)
	}

	fn := &function{obj: o, def: def, source: src, cfg: cfg}
	fn.llfn = llvm.AddFunction(o.mod, src.Name, o.typ(typeEntryFn))

	if !o.ctor.IsNil() {
		o.beginCtor()
		fn.cpool = o.aotCPool(src)

		args := []llvm.Value{
			o.constString(src.Name),
			fn.llfn,
			o.debugGlobal(src),
			o.constInt32(int64(len(src.Instrs))),
		}
		o.callFn(fnRegister, args)

		fn.llfn.SetLinkage(llvm.PrivateLinkage)
	}

	entryBB := o.ctx.AddBasicBlock(fn.llfn, "entry")
	o.b.SetInsertPointAtEnd(entryBB)

	fn.frameAnchor()

	fn.args = fn.llfn.Param(2)
	fn.args.SetName("args")

	if src.FrameSize > 0 {
		frameType := llvm.ArrayType(o.types[typeInt8], src.FrameSize)
		fn.frame = o.b.CreateAlloca(frameType, "frame")
		fn.frame.SetAlignment(8)
	}

	fn.makeBlocks()

	bi := 0
	for i := range src.Instrs {
		cgb := &fn.blocks[bi]
		if i == cgb.source.First {
			o.b.SetInsertPointAtEnd(cgb.bb)

			cgb.inFlags = o.b.CreatePHI(o.types[typeInt1], "FLAGS")
			cgb.outFlags = cgb.inFlags

			for r := 0; r < src.NRegs; r++ {
				if !cgb.source.LiveIn.Test(r) {
					continue
				}
				phi := o.b.CreatePHI(o.types[typeInt64], regName(r))
				cgb.inRegs[r], cgb.outRegs[r] = phi, phi
			}
		}

		cgb.pos = i
		fn.lower(cgb, i, &src.Instrs[i])

		if i == cgb.source.Last {
			if cgb.source.Aborts {
				o.b.CreateUnreachable()
				cgb.terminated = true
			}
			if !cgb.terminated {
				// Fall through to the next block.
				if cgb.source.Returns || bi+1 >= len(fn.blocks) {
					fn.abort(i, "%s: block %d falls out of the function", src.Name, bi)
				}
				o.b.CreateBr(fn.blocks[bi+1].bb)
			}
			bi++
		}
	}

	// The flags are undefined and the registers zeroed on entry to the
	// function. The first block can also be a branch target, so its
	// live-ins are phis like any other block's, with the entry seed as
	// one more incoming arc.
	entryIn := []llvm.BasicBlock{entryBB}
	fn.blocks[0].inFlags.AddIncoming([]llvm.Value{o.constInt1(false)}, entryIn)
	for r := 0; r < src.NRegs; r++ {
		if phi := fn.blocks[0].inRegs[r]; !phi.IsNil() {
			phi.AddIncoming([]llvm.Value{llvm.ConstNull(o.types[typeInt64])}, entryIn)
		}
	}

	for i := range fn.blocks {
		cgb := &fn.blocks[i]
		n := len(cgb.source.In)
		if n == 0 {
			continue
		}

		ins := make([]llvm.Value, n)
		bbs := make([]llvm.BasicBlock, n)
		for j, e := range cgb.source.In {
			ins[j] = fn.blocks[e].outFlags
			bbs[j] = fn.blocks[e].bb
		}
		cgb.inFlags.AddIncoming(ins, bbs)

		for r := 0; r < src.NRegs; r++ {
			if cgb.inRegs[r].IsNil() {
				continue
			}
			for j, e := range cgb.source.In {
				pred := &fn.blocks[e]
				if pred.outRegs[r].IsNil() {
					panic(fmt.Sprintf("%s: R%d not live out of block %d",
						src.Name, r, e))
				}
				ins[j] = pred.outRegs[r]
				bbs[j] = pred.bb
			}
			cgb.inRegs[r].AddIncoming(ins, bbs)
		}
	}

	o.b.SetInsertPointAtEnd(entryBB)
	o.b.CreateBr(fn.blocks[0].bb)

	return fn.llfn
}

// aotCPool emits the function's constant pool as a private global.
func (o *obj) aotCPool(f *bytecode.Func) llvm.Value {
	arrayType := llvm.ArrayType(o.types[typeInt8], len(f.CPool))
	global := llvm.AddGlobal(o.mod, arrayType, f.Name+".cpool")
	global.SetLinkage(llvm.PrivateLinkage)
	global.SetGlobalConstant(true)
	global.SetUnnamedAddr(true)
	global.SetInitializer(o.ctx.ConstString(string(f.CPool), false))
	return global
}

// debugGlobal emits the function's encoded debug stream as a private
// global.
func (o *obj) debugGlobal(f *bytecode.Func) llvm.Value {
	enc := EncodeDebug(f)
	arrayType := llvm.ArrayType(o.types[typeInt8], len(enc))
	global := llvm.AddGlobal(o.mod, arrayType, f.Name+".debug")
	global.SetLinkage(llvm.PrivateLinkage)
	global.SetGlobalConstant(true)
	global.SetUnnamedAddr(true)
	global.SetInitializer(o.ctx.ConstString(string(enc), false))
	return global
}
