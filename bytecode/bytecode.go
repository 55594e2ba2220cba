// Package bytecode defines the register-based bytecode IR consumed by the
// JIT back ends: a flat instruction buffer per function, tagged operand
// descriptions, and the control-flow graph computed over the buffer.
package bytecode

// MaxArgs is the size of the per-invocation argument buffer shared between
// caller and callee. Argument slot numbers are always below this bound.
const MaxArgs = 64

// Handle identifies a function within a compilation session.
type Handle int32

// InvalidHandle is never assigned to a registered function.
const InvalidHandle Handle = -1

// Op is a bytecode opcode.
type Op uint8

const (
	Recv Op = iota + 1
	Send
	Load
	ULoad
	Store
	Add
	Sub
	Mul
	Div
	Rem
	FAdd
	FSub
	FMul
	FDiv
	FNeg
	FCvtNS
	SCvtF
	Not
	And
	Or
	Xor
	Ret
	Jump
	Cmp
	FCmp
	CSet
	CSel
	Call
	Lea
	Mov
	Neg
	Debug

	// Macro ops are composite operations expanded by the back end.
	Exp
	FExp
	Copy
	BZero
	Exit
	FFICall
	GAlloc
	GetPriv
	PutPriv
)

// WritesResult reports whether the opcode defines its result register.
// Copy and BZero read their result register (it holds the byte count,
// materialized by a preceding instruction) and so are not definitions.
func (o Op) WritesResult() bool {
	switch o {
	case Recv, Load, ULoad, Add, Sub, Mul, Div, Rem,
		FAdd, FSub, FMul, FDiv, FNeg, FCvtNS, SCvtF,
		Not, And, Or, Xor, CSet, CSel, Lea, Mov, Neg,
		Exp, FExp, GAlloc, GetPriv:
		return true
	}
	return false
}

// CC is a condition code. On Cmp/FCmp it selects the comparison ordering;
// on Jump it selects the branch sense; on Add/Sub/Mul the values CCO and
// CCC request signed-overflow and unsigned-carry detection.
type CC uint8

const (
	CCNone CC = iota
	CCT
	CCF
	CCEQ
	CCNE
	CCLT
	CCGT
	CCLE
	CCGE
	CCO
	CCC
)

// Size is an operand width for typed loads, stores, and checked arithmetic.
type Size uint8

const (
	Sz8 Size = iota
	Sz16
	Sz32
	Sz64
)

// Bits returns the width in bits.
func (s Size) Bits() int { return 8 << s }

// Kind discriminates the variants of an operand Value.
type Kind uint8

const (
	ValueInvalid Kind = iota
	ValueReg
	ValueInt64
	ValueDouble
	ValueLabel
	ValueExit
	ValueHandle
	ValueForeign
	ValueLoc
	AddrFrame
	AddrCPool
	AddrReg
	AddrAbs
)

// Foreign describes a foreign (non-bytecode) call target: the exported
// symbol to bind and a packed calling-convention specifier understood by
// the runtime's dispatch primitive. Addr is the runtime descriptor for the
// binding, resolved by the host; it is only meaningful to the tiered
// compiler, never to ahead-of-time emission.
type Foreign struct {
	Sym  string
	Spec uint64
	Addr uintptr
}

// Value is a tagged operand description.
type Value struct {
	Kind    Kind
	Reg     int
	Int64   int64
	Double  float64
	Disp    int64
	Handle  Handle
	Foreign *Foreign
	File    string
	Line    int
}

func RegVal(r int) Value            { return Value{Kind: ValueReg, Reg: r} }
func IntVal(v int64) Value          { return Value{Kind: ValueInt64, Int64: v} }
func FloatVal(v float64) Value      { return Value{Kind: ValueDouble, Double: v} }
func LabelVal(pos int) Value        { return Value{Kind: ValueLabel, Int64: int64(pos)} }
func ExitVal(n int) Value           { return Value{Kind: ValueExit, Int64: int64(n)} }
func HandleVal(h Handle) Value      { return Value{Kind: ValueHandle, Handle: h} }
func ForeignVal(f *Foreign) Value   { return Value{Kind: ValueForeign, Foreign: f} }
func LocVal(file string, line int) Value {
	return Value{Kind: ValueLoc, File: file, Line: line}
}
func FrameAddr(off int64) Value     { return Value{Kind: AddrFrame, Int64: off} }
func CPoolAddr(off int64) Value     { return Value{Kind: AddrCPool, Int64: off} }
func RegAddr(r int, disp int64) Value {
	return Value{Kind: AddrReg, Reg: r, Disp: disp}
}
func AbsAddr(p uintptr) Value { return Value{Kind: AddrAbs, Int64: int64(p)} }

// Instr is one instruction of the flat buffer. Target is set by BuildCFG
// on instructions that begin a block reached by an explicit branch.
type Instr struct {
	Op     Op
	Size   Size
	CC     CC
	Target bool
	Result int
	Arg1   Value
	Arg2   Value
}

// Func is one compiled bytecode function: its instruction buffer plus the
// fixed resources the buffer addresses (registers, stack frame, constant
// pool). Registers are uniformly 64 bits wide.
type Func struct {
	Name      string
	Instrs    []Instr
	NRegs     int
	FrameSize int
	CPool     []byte
}
