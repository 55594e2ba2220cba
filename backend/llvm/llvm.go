// Package llvm lowers bytecode functions into LLVM IR and drives the LLVM
// pipeline, either just-in-time (compiling one hot function at a time and
// publishing its entry point) or ahead-of-time (emitting a relocatable
// object file for the whole program).
package llvm

import (
	"fmt"
	"os"

	"tinygo.org/x/go-llvm"
)

// typeKind indexes the per-context cache of LLVM types. The integer kinds
// and the overflow pair kinds are in matching width order.
type typeKind int

const (
	typeVoid typeKind = iota
	typePtr
	typeInt1
	typeInt8
	typeInt16
	typeInt32
	typeInt64
	typeIntPtr
	typeDouble

	typePairI8
	typePairI16
	typePairI32
	typePairI64

	typeEntryFn
	typeAnchor
	typeCtorFn
	typeCtor

	numTypes
)

// fnKind indexes the per-context cache of runtime and intrinsic function
// declarations. The overflow groups are in width order, signed widths
// before unsigned, so that fnAddOverflowS8+size addresses the right
// intrinsic.
type fnKind int

const (
	fnAddOverflowS8 fnKind = iota
	fnAddOverflowS16
	fnAddOverflowS32
	fnAddOverflowS64
	fnAddOverflowU8
	fnAddOverflowU16
	fnAddOverflowU32
	fnAddOverflowU64

	fnSubOverflowS8
	fnSubOverflowS16
	fnSubOverflowS32
	fnSubOverflowS64
	fnSubOverflowU8
	fnSubOverflowU16
	fnSubOverflowU32
	fnSubOverflowU64

	fnMulOverflowS8
	fnMulOverflowS16
	fnMulOverflowS32
	fnMulOverflowS64
	fnMulOverflowU8
	fnMulOverflowU16
	fnMulOverflowU32
	fnMulOverflowU64

	fnPowF64
	fnRoundF64
	fnMemMove
	fnMemSet

	fnDoExit
	fnGetPriv
	fnPutPriv
	fnAlloc
	fnFFICall
	fnTrampoline
	fnRegister
	fnGetFunc
	fnGetForeign

	numFns
)

var overflowNames = map[fnKind][4]string{
	fnAddOverflowS8: {
		"llvm.sadd.with.overflow.i8",
		"llvm.sadd.with.overflow.i16",
		"llvm.sadd.with.overflow.i32",
		"llvm.sadd.with.overflow.i64",
	},
	fnAddOverflowU8: {
		"llvm.uadd.with.overflow.i8",
		"llvm.uadd.with.overflow.i16",
		"llvm.uadd.with.overflow.i32",
		"llvm.uadd.with.overflow.i64",
	},
	fnSubOverflowS8: {
		"llvm.ssub.with.overflow.i8",
		"llvm.ssub.with.overflow.i16",
		"llvm.ssub.with.overflow.i32",
		"llvm.ssub.with.overflow.i64",
	},
	fnSubOverflowU8: {
		"llvm.usub.with.overflow.i8",
		"llvm.usub.with.overflow.i16",
		"llvm.usub.with.overflow.i32",
		"llvm.usub.with.overflow.i64",
	},
	fnMulOverflowS8: {
		"llvm.smul.with.overflow.i8",
		"llvm.smul.with.overflow.i16",
		"llvm.smul.with.overflow.i32",
		"llvm.smul.with.overflow.i64",
	},
	fnMulOverflowU8: {
		"llvm.umul.with.overflow.i8",
		"llvm.umul.with.overflow.i16",
		"llvm.umul.with.overflow.i32",
		"llvm.umul.with.overflow.i64",
	},
}

// obj owns one compilation unit: the LLVM context, module and builder,
// the memoized type and runtime-function tables, and the constant string
// pool. In ahead-of-time mode ctor is the unit's static-initializer
// function and is non-nil; the lowering rules branch on that at the few
// points where addressing semantics diverge.
type obj struct {
	ctx     llvm.Context
	mod     llvm.Module
	b       llvm.Builder
	tm      llvm.TargetMachine
	td      llvm.TargetData
	types   [numTypes]llvm.Type
	fns     [numFns]llvm.Value
	fntypes [numFns]llvm.Type
	ctor    llvm.Value
	strings map[string]llvm.Value
	verbose bool
}

func newObj(name string, ctx llvm.Context, tm llvm.TargetMachine, verbose bool) *obj {
	o := &obj{
		ctx:     ctx,
		mod:     ctx.NewModule(name),
		b:       ctx.NewBuilder(),
		tm:      tm,
		td:      tm.CreateTargetData(),
		strings: make(map[string]llvm.Value),
		verbose: verbose,
	}
	o.registerTypes()
	return o
}

func (o *obj) registerTypes() {
	o.types[typeVoid] = o.ctx.VoidType()
	o.types[typeInt1] = o.ctx.Int1Type()
	o.types[typeInt8] = o.ctx.Int8Type()
	o.types[typeInt16] = o.ctx.Int16Type()
	o.types[typeInt32] = o.ctx.Int32Type()
	o.types[typeInt64] = o.ctx.Int64Type()
	o.types[typeDouble] = o.ctx.DoubleType()
	o.types[typeIntPtr] = o.td.IntPtrType()
	o.types[typePtr] = llvm.PointerType(o.ctx.Int8Type(), 0)
}

// typ returns the cached type for k, constructing aggregate shapes on
// first use.
func (o *obj) typ(k typeKind) llvm.Type {
	if !o.types[k].IsNil() {
		return o.types[k]
	}
	var t llvm.Type
	switch k {
	case typePairI8, typePairI16, typePairI32, typePairI64:
		intType := o.types[typeInt8+typeKind(k-typePairI8)]
		t = o.ctx.StructType([]llvm.Type{intType, o.types[typeInt1]}, false)
	case typeEntryFn:
		// Callee descriptor, caller anchor, argument buffer.
		args := []llvm.Type{o.types[typePtr], o.types[typePtr], o.types[typePtr]}
		t = llvm.FunctionType(o.types[typeVoid], args, false)
	case typeCtorFn:
		t = llvm.FunctionType(o.types[typeVoid], nil, false)
	case typeAnchor:
		// Caller, function, current IR position.
		fields := []llvm.Type{o.types[typePtr], o.types[typePtr], o.types[typeInt32]}
		t = o.ctx.StructType(fields, false)
	case typeCtor:
		// One llvm.global_ctors table entry.
		fields := []llvm.Type{o.types[typeInt32], o.types[typePtr], o.types[typePtr]}
		t = o.ctx.StructType(fields, false)
	default:
		panic(fmt.Sprintf("cannot construct type %d", k))
	}
	o.types[k] = t
	return t
}

func (o *obj) addFn(name string, t llvm.Type) llvm.Value {
	if fn := o.mod.NamedFunction(name); !fn.IsNil() {
		return fn
	}
	return llvm.AddFunction(o.mod, name, t)
}

// getFn returns the cached declaration of a runtime or intrinsic
// function, declaring it in the module on first reference.
func (o *obj) getFn(which fnKind) llvm.Value {
	if !o.fns[which].IsNil() {
		return o.fns[which]
	}

	var fn llvm.Value
	switch {
	case which >= fnAddOverflowS8 && which <= fnMulOverflowU64:
		base := fnAddOverflowS8 + (which-fnAddOverflowS8)/4*4
		sz := int(which - base)
		intType := o.types[typeInt8+typeKind(sz)]
		pairType := o.typ(typePairI8 + typeKind(sz))
		args := []llvm.Type{intType, intType}
		o.fntypes[which] = llvm.FunctionType(pairType, args, false)
		fn = o.addFn(overflowNames[base][sz], o.fntypes[which])

	case which == fnPowF64:
		args := []llvm.Type{o.types[typeDouble], o.types[typeDouble]}
		o.fntypes[which] = llvm.FunctionType(o.types[typeDouble], args, false)
		fn = o.addFn("llvm.pow.f64", o.fntypes[which])

	case which == fnRoundF64:
		args := []llvm.Type{o.types[typeDouble]}
		o.fntypes[which] = llvm.FunctionType(o.types[typeDouble], args, false)
		fn = o.addFn("llvm.round.f64", o.fntypes[which])

	case which == fnMemMove:
		args := []llvm.Type{
			o.types[typePtr], o.types[typePtr], o.types[typeInt64], o.types[typeInt1],
		}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("llvm.memmove.p0.p0.i64", o.fntypes[which])

	case which == fnMemSet:
		args := []llvm.Type{
			o.types[typePtr], o.types[typeInt8], o.types[typeInt64], o.types[typeInt1],
		}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("llvm.memset.p0.i64", o.fntypes[which])

	case which == fnDoExit:
		args := []llvm.Type{o.types[typeInt32], o.types[typePtr], o.types[typePtr]}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("__calyx_do_exit", o.fntypes[which])

	case which == fnGetPriv:
		args := []llvm.Type{o.types[typeInt32]}
		o.fntypes[which] = llvm.FunctionType(o.types[typePtr], args, false)
		fn = o.addFn("__calyx_getpriv", o.fntypes[which])

	case which == fnPutPriv:
		args := []llvm.Type{o.types[typeInt32], o.types[typePtr]}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("__calyx_putpriv", o.fntypes[which])

	case which == fnAlloc:
		args := []llvm.Type{o.types[typeInt32], o.types[typeInt32]}
		o.fntypes[which] = llvm.FunctionType(o.types[typePtr], args, false)
		fn = o.addFn("__calyx_mspace_alloc", o.fntypes[which])

	case which == fnFFICall:
		args := []llvm.Type{o.types[typePtr], o.types[typePtr], o.types[typePtr]}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("__calyx_do_fficall", o.fntypes[which])

	case which == fnTrampoline:
		o.fntypes[which] = o.typ(typeEntryFn)
		fn = o.addFn("__calyx_trampoline", o.fntypes[which])

	case which == fnRegister:
		args := []llvm.Type{
			o.types[typePtr], o.types[typePtr], o.types[typePtr], o.types[typeInt32],
		}
		o.fntypes[which] = llvm.FunctionType(o.types[typeVoid], args, false)
		fn = o.addFn("__calyx_register", o.fntypes[which])

	case which == fnGetFunc:
		args := []llvm.Type{o.types[typePtr]}
		o.fntypes[which] = llvm.FunctionType(o.types[typePtr], args, false)
		fn = o.addFn("__calyx_get_func", o.fntypes[which])

	case which == fnGetForeign:
		args := []llvm.Type{o.types[typePtr], o.types[typeInt64]}
		o.fntypes[which] = llvm.FunctionType(o.types[typePtr], args, false)
		fn = o.addFn("__calyx_get_foreign", o.fntypes[which])

	default:
		panic(fmt.Sprintf("cannot generate prototype for function %d", which))
	}

	o.fns[which] = fn
	return fn
}

func (o *obj) callFn(which fnKind, args []llvm.Value) llvm.Value {
	fn := o.getFn(which)
	return o.b.CreateCall(o.fntypes[which], fn, args, "")
}

func (o *obj) constInt1(b bool) llvm.Value {
	if b {
		return llvm.ConstInt(o.types[typeInt1], 1, false)
	}
	return llvm.ConstInt(o.types[typeInt1], 0, false)
}

func (o *obj) constInt8(i int8) llvm.Value {
	return llvm.ConstInt(o.types[typeInt8], uint64(i), false)
}

func (o *obj) constInt32(i int64) llvm.Value {
	return llvm.ConstInt(o.types[typeInt32], uint64(i), false)
}

func (o *obj) constInt64(i int64) llvm.Value {
	return llvm.ConstInt(o.types[typeInt64], uint64(i), false)
}

func (o *obj) constIntPtr(i int64) llvm.Value {
	return llvm.ConstInt(o.types[typeIntPtr], uint64(i), false)
}

func (o *obj) constPtr(p uintptr) llvm.Value {
	return llvm.ConstIntToPtr(o.constIntPtr(int64(p)), o.types[typePtr])
}

func (o *obj) constReal(r float64) llvm.Value {
	return llvm.ConstFloat(o.types[typeDouble], r)
}

// constString returns a deduplicated private global holding str plus a
// trailing NUL.
func (o *obj) constString(str string) llvm.Value {
	if ref, ok := o.strings[str]; ok {
		return ref
	}
	init := o.ctx.ConstString(str, true)
	ref := llvm.AddGlobal(o.mod, llvm.ArrayType(o.types[typeInt8], len(str)+1), "const_string")
	ref.SetGlobalConstant(true)
	ref.SetInitializer(init)
	ref.SetLinkage(llvm.PrivateLinkage)
	ref.SetUnnamedAddr(true)
	o.strings[str] = ref
	return ref
}

// beginCtor repositions the builder at the end of the static-initializer
// function and returns the previous insertion block so the caller can
// restore it with endCtor before continuing ordinary lowering.
func (o *obj) beginCtor() llvm.BasicBlock {
	if o.ctor.IsNil() {
		panic("no static initializer in this unit")
	}
	old := o.b.GetInsertBlock()
	o.b.SetInsertPointAtEnd(o.ctor.LastBasicBlock())
	return old
}

func (o *obj) endCtor(old llvm.BasicBlock) {
	if !old.IsNil() {
		o.b.SetInsertPointAtEnd(old)
	}
}

func (o *obj) dumpModule(name, tag string) {
	if !o.verbose {
		return
	}
	path := fmt.Sprintf("%s.%s.ll", name, tag)
	if err := os.WriteFile(path, []byte(o.mod.String()), 0666); err != nil {
		panic(fmt.Sprintf("failed to write LLVM IR file: %s", err))
	}
}

// finalise verifies the module, optionally dumps it, and runs the fixed
// scalar optimization pipeline before the backend's own codegen.
func (o *obj) finalise(name string) {
	o.dumpModule(name, "initial")
	if err := llvm.VerifyModule(o.mod, llvm.ReturnStatusAction); err != nil {
		panic(fmt.Sprintf("LLVM verification failed for %s: %s", name, err))
	}
	opts := llvm.NewPassBuilderOptions()
	defer opts.Dispose()
	if err := o.mod.RunPasses("sroa,instcombine,reassociate,gvn,simplifycfg", o.tm, opts); err != nil {
		panic(fmt.Sprintf("LLVM optimization failed for %s: %s", name, err))
	}
	o.dumpModule(name, "final")
}

func targetMachine(reloc llvm.RelocMode, model llvm.CodeModel) llvm.TargetMachine {
	triple := llvm.DefaultTargetTriple()
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		panic(fmt.Sprintf("failed to get LLVM target for %s: %s", triple, err))
	}
	return target.CreateTargetMachine(triple, "", "",
		llvm.CodeGenLevelDefault, reloc, model)
}

// Option configures a driver.
type Option func(*config)

type config struct {
	verbose   bool
	only      string
	threshold int
}

// Verbose dumps the pre- and post-optimization IR of every unit to
// <unit>.initial.ll and <unit>.final.ll.
var Verbose Option = func(c *config) { c.verbose = true }

// Only restricts tiered compilation to the named function.
func Only(name string) Option {
	return func(c *config) { c.only = name }
}

// Threshold overrides the tiering invocation threshold.
func Threshold(n int) Option {
	return func(c *config) { c.threshold = n }
}
