package bytecode

import "fmt"

// RegMask is a bit set over a function's registers.
type RegMask []uint64

func NewRegMask(nregs int) RegMask { return make(RegMask, (nregs+63)/64) }

func (m RegMask) Test(r int) bool { return m[r/64]&(1<<(r%64)) != 0 }
func (m RegMask) Set(r int)       { m[r/64] |= 1 << (r % 64) }

func (m RegMask) or(o RegMask) bool {
	changed := false
	for i, w := range o {
		if m[i]|w != m[i] {
			m[i] |= w
			changed = true
		}
	}
	return changed
}

func (m RegMask) eq(o RegMask) bool {
	for i := range m {
		if m[i] != o[i] {
			return false
		}
	}
	return true
}

// Block is one node of a control-flow graph: a contiguous instruction
// range [First, Last], predecessor and successor edges as indices into the
// graph's node array, and register liveness at the block boundaries.
//
// For a conditional branch Out[0] is the fall-through successor and Out[1]
// is the taken successor. Returns marks blocks ending in a return; Aborts
// marks blocks the IR producer knows cannot fall out of their last
// instruction (the back end terminates them with an unreachable marker).
type Block struct {
	First, Last int
	In, Out     []int
	LiveIn      RegMask
	LiveOut     RegMask
	Returns     bool
	Aborts      bool
}

// CFG is a control-flow graph over a function's instruction buffer.
// Blocks are in buffer order: Blocks[i+1].First == Blocks[i].Last+1.
type CFG struct {
	Blocks []Block
}

// BuildCFG partitions f's instruction buffer into basic blocks, records
// the branch edges between them, and computes per-register liveness by
// backward iteration to a fixed point. It also sets the Target flag on
// every instruction reached by an explicit branch.
func BuildCFG(f *Func) *CFG {
	n := len(f.Instrs)
	if n == 0 {
		return &CFG{}
	}

	// Clear stale target flags before the scan below sets them:
	// resetting inside the scan would wipe a forward target when the
	// scan reached it.
	for i := range f.Instrs {
		f.Instrs[i].Target = false
	}

	leader := make([]bool, n)
	leader[0] = true
	for i := range f.Instrs {
		ir := &f.Instrs[i]
		switch ir.Op {
		case Jump:
			t := int(ir.Arg1.Int64)
			if ir.Arg1.Kind != ValueLabel || t < 0 || t >= n {
				panic(fmt.Sprintf("%s: bad jump target %s at %d", f.Name, ir.Arg1, i))
			}
			leader[t] = true
			f.Instrs[t].Target = true
			if i+1 < n {
				leader[i+1] = true
			}
		case Ret:
			if i+1 < n {
				leader[i+1] = true
			}
		}
	}

	var cfg CFG
	blockAt := make([]int, n)
	for i := 0; i < n; i++ {
		if leader[i] {
			cfg.Blocks = append(cfg.Blocks, Block{First: i})
		}
		b := len(cfg.Blocks) - 1
		blockAt[i] = b
		cfg.Blocks[b].Last = i
	}

	for b := range cfg.Blocks {
		blk := &cfg.Blocks[b]
		ir := &f.Instrs[blk.Last]
		switch {
		case ir.Op == Ret:
			blk.Returns = true
		case ir.Op == Jump && ir.CC == CCNone:
			blk.Out = []int{blockAt[ir.Arg1.Int64]}
		case ir.Op == Jump:
			if b+1 >= len(cfg.Blocks) {
				panic(fmt.Sprintf("%s: conditional jump at %d falls off the end of the function",
					f.Name, blk.Last))
			}
			// Fall-through edge first, taken edge second.
			blk.Out = []int{b + 1, blockAt[ir.Arg1.Int64]}
		case b+1 < len(cfg.Blocks):
			blk.Out = []int{b + 1}
		}
		for _, s := range blk.Out {
			cfg.Blocks[s].In = append(cfg.Blocks[s].In, b)
		}
	}

	use := make([]RegMask, len(cfg.Blocks))
	def := make([]RegMask, len(cfg.Blocks))
	for b := range cfg.Blocks {
		blk := &cfg.Blocks[b]
		use[b] = NewRegMask(f.NRegs)
		def[b] = NewRegMask(f.NRegs)
		blk.LiveIn = NewRegMask(f.NRegs)
		blk.LiveOut = NewRegMask(f.NRegs)
		for i := blk.First; i <= blk.Last; i++ {
			ir := &f.Instrs[i]
			for _, r := range reads(ir) {
				if !def[b].Test(r) {
					use[b].Set(r)
				}
			}
			if ir.Op.WritesResult() {
				def[b].Set(ir.Result)
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for b := len(cfg.Blocks) - 1; b >= 0; b-- {
			blk := &cfg.Blocks[b]
			for _, s := range blk.Out {
				if blk.LiveOut.or(cfg.Blocks[s].LiveIn) {
					changed = true
				}
			}
			in := NewRegMask(f.NRegs)
			copy(in, blk.LiveOut)
			for i := range in {
				in[i] = in[i]&^def[b][i] | use[b][i]
			}
			if !in.eq(blk.LiveIn) {
				blk.LiveIn = in
				changed = true
			}
		}
	}
	return &cfg
}

func reads(ir *Instr) []int {
	var rs []int
	if k := ir.Arg1.Kind; k == ValueReg || k == AddrReg {
		rs = append(rs, ir.Arg1.Reg)
	}
	if k := ir.Arg2.Kind; k == ValueReg || k == AddrReg {
		rs = append(rs, ir.Arg2.Reg)
	}
	if ir.Op == Copy || ir.Op == BZero {
		rs = append(rs, ir.Result)
	}
	return rs
}
