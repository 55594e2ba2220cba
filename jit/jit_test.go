package jit

import (
	"sync"
	"testing"
	"time"

	"github.com/calyx-lang/calyx/bytecode"
)

type fakeCompiler struct {
	mu       sync.Mutex
	compiled []string
	done     chan string
	closed   bool
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{done: make(chan string, 16)}
}

func (c *fakeCompiler) Compile(f *Func) {
	f.SetEntry(0x1000 + uintptr(f.Handle))
	c.mu.Lock()
	c.compiled = append(c.compiled, f.Name())
	c.mu.Unlock()
	c.done <- f.Name()
}

func (c *fakeCompiler) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeCompiler) wait(t *testing.T) string {
	t.Helper()
	select {
	case name := <-c.done:
		return name
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for compilation")
		return ""
	}
}

func retFunc(name string) *bytecode.Func {
	return &bytecode.Func{
		Name:   name,
		NRegs:  1,
		Instrs: []bytecode.Instr{{Op: bytecode.Ret}},
	}
}

func TestTierPromotesAtThreshold(t *testing.T) {
	s := New()
	defer s.Close()

	hot := s.Add(retFunc("hot"))
	cold := s.Add(retFunc("cold"))

	c := newFakeCompiler()
	s.RegisterTier(3, c)

	for i := 0; i < 2; i++ {
		if entry := hot.Invoke(); entry != 0 {
			t.Fatalf("entry published after %d invocations", i+1)
		}
	}

	hot.Invoke()
	if name := c.wait(t); name != "hot" {
		t.Errorf("compiled %q, want %q", name, "hot")
	}
	if entry := hot.Entry(); entry != 0x1000 {
		t.Errorf("hot entry = %#x, want %#x", entry, 0x1000)
	}
	if entry := cold.Entry(); entry != 0 {
		t.Errorf("cold entry = %#x, want 0", entry)
	}

	// Further invocations return the published entry and do not requeue.
	if entry := hot.Invoke(); entry != 0x1000 {
		t.Errorf("Invoke after promotion = %#x, want %#x", entry, 0x1000)
	}
	c.mu.Lock()
	n := len(c.compiled)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("compiled %d times, want 1", n)
	}
}

func TestPromoteQueuesOnce(t *testing.T) {
	s := New()
	defer s.Close()

	f := s.Add(retFunc("f"))

	c := newFakeCompiler()
	s.RegisterTier(1000, c)

	f.Promote()
	f.Promote()
	c.wait(t)

	select {
	case name := <-c.done:
		t.Errorf("unexpected second compilation of %q", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterTierDisabled(t *testing.T) {
	for _, threshold := range []int{0, -1} {
		s := New()
		f := s.Add(retFunc("f"))

		c := newFakeCompiler()
		s.RegisterTier(threshold, c)

		f.Promote()
		f.Invoke()
		if entry := f.Entry(); entry != 0 {
			t.Errorf("threshold %d: entry published", threshold)
		}
		s.Close()
		c.mu.Lock()
		if c.closed {
			t.Errorf("threshold %d: compiler closed but never registered", threshold)
		}
		c.mu.Unlock()
	}
}

func TestCloseRightAfterRegister(t *testing.T) {
	s := New()
	s.Add(retFunc("f"))

	c := newFakeCompiler()
	s.RegisterTier(1, c)
	s.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		t.Errorf("compiler not closed")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	s := New()
	f := s.Add(retFunc("f"))

	c := newFakeCompiler()
	s.RegisterTier(1, c)

	f.Invoke()
	s.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.compiled) != 1 {
		t.Errorf("compiled %d times, want 1", len(c.compiled))
	}
	if !c.closed {
		t.Errorf("compiler not closed")
	}
}

func TestLookup(t *testing.T) {
	s := New()
	defer s.Close()

	f := s.Add(retFunc("f"))
	g := s.Add(retFunc("g"))

	if f.Handle == g.Handle {
		t.Errorf("duplicate handle %d", f.Handle)
	}
	if got := s.Func(g.Handle); got != g {
		t.Errorf("Func(%d) = %v, want g", g.Handle, got)
	}
	if got := s.FuncByName("f"); got != f {
		t.Errorf("FuncByName(f) = %v, want f", got)
	}
	if got := s.FuncByName("nope"); got != nil {
		t.Errorf("FuncByName(nope) = %v, want nil", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Add did not panic on duplicate name")
			}
		}()
		s.Add(retFunc("f"))
	}()

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Func did not panic on invalid handle")
			}
		}()
		s.Func(bytecode.InvalidHandle)
	}()
}
