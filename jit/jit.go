// Package jit owns a live execution session: the set of registered
// bytecode functions, their published entry points, and the optional
// compilation tier that promotes hot functions to machine code.
package jit

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/calyx-lang/calyx/bytecode"
)

// ABIVersion is embedded in every ahead-of-time object as
// __calyx_abi_version and checked by the runtime loader.
const ABIVersion = 2

// A Compiler lowers one function to machine code and publishes its entry
// point. Compile is only ever called from the session's compilation
// goroutine, at most once per function.
type Compiler interface {
	Compile(*Func)
	Close()
}

// State is a compilation session. All registration happens before
// execution starts; lookup and invocation are safe for concurrent use.
type State struct {
	mu    sync.Mutex
	funcs []*Func
	names map[string]*Func

	threshold int64
	tier      Compiler
	pending   chan *Func
	wg        sync.WaitGroup
}

func New() *State {
	return &State{names: make(map[string]*Func)}
}

// Add registers a function definition and returns its session handle.
func (s *State) Add(def *bytecode.Func) *Func {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[def.Name] != nil {
		panic(fmt.Sprintf("duplicate function %s", def.Name))
	}
	f := &Func{
		Def:    def,
		Handle: bytecode.Handle(len(s.funcs)),
		state:  s,
	}
	s.funcs = append(s.funcs, f)
	s.names[def.Name] = f
	return f
}

// Func returns the function registered under h.
func (s *State) Func(h bytecode.Handle) *Func {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < 0 || int(h) >= len(s.funcs) {
		panic(fmt.Sprintf("invalid function handle %d", h))
	}
	return s.funcs[h]
}

// FuncByName returns the function registered under name, or nil.
func (s *State) FuncByName(name string) *Func {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name]
}

// RegisterTier installs a compiler that is handed each function once its
// invocation count reaches threshold. A non-positive threshold disables
// tiering; a negative threshold is a configuration error, reported and
// otherwise treated as disabled. Compilation runs on a dedicated
// goroutine so callers never block on the compiler.
func (s *State) RegisterTier(threshold int, c Compiler) {
	if threshold < 0 {
		log.Printf("invalid JIT threshold setting %d", threshold)
		return
	}
	if threshold == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tier != nil {
		panic("compilation tier already registered")
	}
	s.tier = c
	atomic.StoreInt64(&s.threshold, int64(threshold))
	pending := make(chan *Func, 64)
	s.pending = pending
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for f := range pending {
			c.Compile(f)
		}
	}()
}

// Close drains the compilation queue and releases the tier compiler.
func (s *State) Close() {
	s.mu.Lock()
	tier, pending := s.tier, s.pending
	s.tier, s.pending = nil, nil
	s.mu.Unlock()
	if pending != nil {
		close(pending)
		s.wg.Wait()
	}
	if tier != nil {
		tier.Close()
	}
}

// Func is one registered function: its bytecode definition plus the
// session state attached to it. RT is the runtime's descriptor address
// for the function; the tiered compiler embeds it at call sites as the
// callee pointer. CFG may be supplied by the host if it already computed
// the graph; the compilers build it on demand otherwise.
type Func struct {
	Def    *bytecode.Func
	Handle bytecode.Handle
	CFG    *bytecode.CFG
	RT     uintptr

	state  *State
	entry  atomic.Uintptr
	calls  atomic.Int64
	queued atomic.Bool
}

func (f *Func) Name() string  { return f.Def.Name }
func (f *Func) State() *State { return f.state }

// Entry returns the currently published entry point (acquire load).
func (f *Func) Entry() uintptr { return f.entry.Load() }

// SetEntry publishes a new entry point with a release store. Concurrent
// callers racing with the store may still execute the previous entry,
// which is safe.
func (f *Func) SetEntry(p uintptr) { f.entry.Store(p) }

// Invoke counts one invocation, queues the function for promotion when
// the count reaches the session's tier threshold, and returns the entry
// point the caller should use.
func (f *Func) Invoke() uintptr {
	n := f.calls.Add(1)
	if t := atomic.LoadInt64(&f.state.threshold); t > 0 && n >= t {
		f.promote()
	}
	return f.entry.Load()
}

// Promote queues the function for compilation regardless of its
// invocation count. At most one compilation is ever queued per function.
func (f *Func) Promote() { f.promote() }

func (f *Func) promote() {
	if !f.queued.CompareAndSwap(false, true) {
		return
	}
	f.state.mu.Lock()
	pending := f.state.pending
	f.state.mu.Unlock()
	if pending != nil {
		pending <- f
	}
}
