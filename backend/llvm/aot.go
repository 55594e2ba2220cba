package llvm

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/xyproto/env/v2"
	"tinygo.org/x/go-llvm"

	"github.com/calyx-lang/calyx/jit"
)

// AOT accumulates functions into one module and emits a relocatable
// object file. Compiled functions have private linkage; the runtime
// reaches them through a static initializer that registers each function
// descriptor, so the object exports nothing but the initializer table
// and the ABI version.
type AOT struct {
	obj     *obj
	name    string
	done    map[string]bool
	slowest time.Duration
}

// NewAOT creates an empty ahead-of-time unit targeting the host with
// position-independent code.
func NewAOT(name string, opts ...Option) *AOT {
	nativeInit()
	cfg := config{verbose: env.Bool("CALYX_LLVM_VERBOSE")}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := llvm.NewContext()
	tm := targetMachine(llvm.RelocPIC, llvm.CodeModelDefault)
	o := newObj(name, ctx, tm, cfg.verbose)

	o.mod.SetTarget(llvm.DefaultTargetTriple())
	o.mod.SetDataLayout(o.td.String())

	o.ctor = llvm.AddFunction(o.mod, "ctor", o.typ(typeCtorFn))
	o.ctor.SetLinkage(llvm.PrivateLinkage)
	ctx.AddBasicBlock(o.ctor, "entry")

	entry := llvm.ConstStruct([]llvm.Value{
		o.constInt32(65535),
		o.ctor,
		llvm.ConstNull(o.types[typePtr]),
	}, false)
	ctors := llvm.AddGlobal(o.mod, llvm.ArrayType(o.typ(typeCtor), 1),
		"llvm.global_ctors")
	ctors.SetLinkage(llvm.AppendingLinkage)
	ctors.SetInitializer(llvm.ConstArray(o.typ(typeCtor), []llvm.Value{entry}))

	abi := llvm.AddGlobal(o.mod, o.types[typeInt32], "__calyx_abi_version")
	abi.SetInitializer(o.constInt32(jit.ABIVersion))
	abi.SetGlobalConstant(true)

	return &AOT{obj: o, name: name, done: make(map[string]bool)}
}

// Compile lowers f into the unit. Compiling the same function twice is a
// no-op. Implements jit.Compiler so a session tier can feed an
// ahead-of-time unit directly.
func (a *AOT) Compile(f *jit.Func) {
	if a.done[f.Name()] {
		return
	}
	a.done[f.Name()] = true

	start := time.Now()
	a.obj.compileFunc(f)

	if d := time.Since(start); d > a.slowest {
		a.slowest = d
		if a.obj.verbose {
			log.Printf("compiled %s [%s]", f.Name(), d)
		}
	}
}

// Emit finalizes the unit and writes the object file to path. The unit
// cannot be compiled into after Emit.
func (a *AOT) Emit(path string) error {
	o := a.obj
	o.b.SetInsertPointAtEnd(o.ctor.LastBasicBlock())
	o.b.CreateRetVoid()

	o.finalise(a.name)

	buf, err := o.tm.EmitToMemoryBuffer(o.mod, llvm.ObjectFile)
	if err != nil {
		return fmt.Errorf("failed to emit object code: %w", err)
	}
	defer buf.Dispose()

	if err := os.WriteFile(path, buf.Bytes(), 0666); err != nil {
		return fmt.Errorf("failed to write object file: %w", err)
	}
	return nil
}

// Close releases the unit's LLVM resources.
func (a *AOT) Close() {
	o := a.obj
	o.b.Dispose()
	o.td.Dispose()
	o.mod.Dispose()
	o.tm.Dispose()
	o.ctx.Dispose()
}
