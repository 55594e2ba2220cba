package llvm

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xyproto/env/v2"
	"tinygo.org/x/go-llvm"

	"github.com/calyx-lang/calyx/jit"
)

// DefaultThreshold is the invocation count at which a function is handed
// to the tier when CALYX_JIT_THRESHOLD is unset.
const DefaultThreshold = 100

// Engine is the in-process compilation tier. Each hot function is
// lowered into its own module, compiled, and its entry point published
// on the session function. Compiled code lives until Close.
type Engine struct {
	cfg config
	tm  llvm.TargetMachine

	mu      sync.Mutex
	units   []unit
	slowest time.Duration
}

type unit struct {
	ee  llvm.ExecutionEngine
	ctx llvm.Context
}

var initNative sync.Once

func nativeInit() {
	initNative.Do(func() {
		if err := llvm.InitializeNativeTarget(); err != nil {
			panic(fmt.Sprintf("failed to initialize native target: %s", err))
		}
		if err := llvm.InitializeNativeAsmPrinter(); err != nil {
			panic(fmt.Sprintf("failed to initialize native asm printer: %s", err))
		}
		llvm.LinkInMCJIT()
	})
}

// NewEngine creates a tier compiler. Environment variables supply the
// defaults: CALYX_LLVM_VERBOSE dumps IR and timing, CALYX_JIT_ONLY
// restricts compilation to a single function by name.
func NewEngine(opts ...Option) *Engine {
	nativeInit()
	cfg := config{
		verbose: env.Bool("CALYX_LLVM_VERBOSE"),
		only:    env.Str("CALYX_JIT_ONLY"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		cfg: cfg,
		tm:  targetMachine(llvm.RelocDefault, llvm.CodeModelJITDefault),
	}
}

// Compile lowers f, compiles it to native code, and publishes the new
// entry point. Implements jit.Compiler.
func (e *Engine) Compile(f *jit.Func) {
	if e.cfg.only != "" && f.Name() != e.cfg.only {
		return
	}

	start := time.Now()

	ctx := llvm.NewContext()
	o := newObj(f.Name(), ctx, e.tm, e.cfg.verbose)
	o.compileFunc(f)
	o.finalise(f.Name())
	o.b.Dispose()
	o.td.Dispose()

	eeOpts := llvm.NewMCJITCompilerOptions()
	ee, err := llvm.NewMCJITCompiler(o.mod, eeOpts)
	if err != nil {
		panic(fmt.Sprintf("failed to create MCJIT compiler for %s: %s", f.Name(), err))
	}

	llfn := ee.FindFunction(f.Name())
	addr := uintptr(ee.PointerToGlobal(llfn))

	e.mu.Lock()
	e.units = append(e.units, unit{ee: ee, ctx: ctx})
	if d := time.Since(start); d > e.slowest {
		e.slowest = d
		if e.cfg.verbose {
			log.Printf("compiled %s at %#x [%s]", f.Name(), addr, d)
		}
	}
	e.mu.Unlock()

	f.SetEntry(addr)
}

// Close releases all compiled code. Entry points published by this
// engine are invalid afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.units {
		u.ee.Dispose()
		u.ctx.Dispose()
	}
	e.units = nil
	e.tm.Dispose()
}

// Register installs the LLVM tier on s. The threshold comes from
// CALYX_JIT_THRESHOLD unless overridden by an option; zero disables
// tiering and a negative value is reported as a configuration error.
func Register(s *jit.State, opts ...Option) {
	cfg := config{threshold: env.Int("CALYX_JIT_THRESHOLD", DefaultThreshold)}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.threshold > 0:
		s.RegisterTier(cfg.threshold, NewEngine(opts...))
	case cfg.threshold < 0:
		log.Printf("invalid CALYX_JIT_THRESHOLD setting %d", cfg.threshold)
	}
}
