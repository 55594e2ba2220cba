package bytecode

import (
	"fmt"
	"io"
	"strings"
)

var opNames = map[Op]string{
	Recv:    "RECV",
	Send:    "SEND",
	Load:    "LOAD",
	ULoad:   "ULOAD",
	Store:   "STORE",
	Add:     "ADD",
	Sub:     "SUB",
	Mul:     "MUL",
	Div:     "DIV",
	Rem:     "REM",
	FAdd:    "FADD",
	FSub:    "FSUB",
	FMul:    "FMUL",
	FDiv:    "FDIV",
	FNeg:    "FNEG",
	FCvtNS:  "FCVTNS",
	SCvtF:   "SCVTF",
	Not:     "NOT",
	And:     "AND",
	Or:      "OR",
	Xor:     "XOR",
	Ret:     "RET",
	Jump:    "JUMP",
	Cmp:     "CMP",
	FCmp:    "FCMP",
	CSet:    "CSET",
	CSel:    "CSEL",
	Call:    "CALL",
	Lea:     "LEA",
	Mov:     "MOV",
	Neg:     "NEG",
	Debug:   "DEBUG",
	Exp:     "$EXP",
	FExp:    "$FEXP",
	Copy:    "$COPY",
	BZero:   "$BZERO",
	Exit:    "$EXIT",
	FFICall: "$FFICALL",
	GAlloc:  "$GALLOC",
	GetPriv: "$GETPRIV",
	PutPriv: "$PUTPRIV",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OP(%d)", int(o))
}

var ccNames = map[CC]string{
	CCT:  "T",
	CCF:  "F",
	CCEQ: "EQ",
	CCNE: "NE",
	CCLT: "LT",
	CCGT: "GT",
	CCLE: "LE",
	CCGE: "GE",
	CCO:  "O",
	CCC:  "C",
}

func (c CC) String() string {
	if n, ok := ccNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CC(%d)", int(c))
}

func (s Size) String() string { return fmt.Sprintf("%d", s.Bits()) }

func (v Value) String() string { return v.buildString(new(strings.Builder)).String() }

func (v Value) buildString(s *strings.Builder) *strings.Builder {
	switch v.Kind {
	case ValueReg:
		fmt.Fprintf(s, "R%d", v.Reg)
	case ValueInt64:
		fmt.Fprintf(s, "#%d", v.Int64)
	case ValueDouble:
		fmt.Fprintf(s, "%%%g", v.Double)
	case ValueLabel:
		fmt.Fprintf(s, "L%d", v.Int64)
	case ValueExit:
		fmt.Fprintf(s, "exit(%d)", v.Int64)
	case ValueHandle:
		fmt.Fprintf(s, "fn(%d)", v.Handle)
	case ValueForeign:
		fmt.Fprintf(s, "foreign(%s)", v.Foreign.Sym)
	case ValueLoc:
		fmt.Fprintf(s, "%s:%d", v.File, v.Line)
	case AddrFrame:
		fmt.Fprintf(s, "[FP+%d]", v.Int64)
	case AddrCPool:
		fmt.Fprintf(s, "[CP+%d]", v.Int64)
	case AddrReg:
		if v.Disp != 0 {
			fmt.Fprintf(s, "[R%d+%d]", v.Reg, v.Disp)
		} else {
			fmt.Fprintf(s, "[R%d]", v.Reg)
		}
	case AddrAbs:
		fmt.Fprintf(s, "@%#x", uint64(v.Int64))
	default:
		s.WriteString("<invalid>")
	}
	return s
}

func (i *Instr) String() string { return i.buildString(new(strings.Builder)).String() }

func (i *Instr) buildString(s *strings.Builder) *strings.Builder {
	s.WriteString(i.Op.String())
	if i.CC != CCNone {
		s.WriteRune('.')
		s.WriteString(i.CC.String())
	}
	switch i.Op {
	case Load, ULoad, Store:
		s.WriteRune('.')
		s.WriteString(i.Size.String())
	case Add, Sub, Mul:
		if i.CC == CCO || i.CC == CCC {
			s.WriteRune('.')
			s.WriteString(i.Size.String())
		}
	}
	sep := " "
	if i.Op.WritesResult() || i.Op == Copy || i.Op == BZero {
		fmt.Fprintf(s, " R%d", i.Result)
		sep = ", "
	}
	if i.Arg1.Kind != ValueInvalid {
		s.WriteString(sep)
		i.Arg1.buildString(s)
		sep = ", "
	}
	if i.Arg2.Kind != ValueInvalid {
		s.WriteString(sep)
		i.Arg2.buildString(s)
	}
	return s
}

// Dump writes a listing of the instruction buffer to w. If mark is a valid
// instruction index that line is flagged; fatal diagnostics use this to
// point at the instruction that could not be lowered.
func (f *Func) Dump(w io.Writer, mark int) {
	fmt.Fprintf(w, "------------------------ %s ------------------------\n", f.Name)
	fmt.Fprintf(w, "  %d registers, %d byte frame, %d byte constant pool\n",
		f.NRegs, f.FrameSize, len(f.CPool))
	for i := range f.Instrs {
		ir := &f.Instrs[i]
		flag := ' '
		if ir.Target {
			flag = 'L'
		}
		cursor := "  "
		if i == mark {
			cursor = "=>"
		}
		fmt.Fprintf(w, "%s%c%4d: %s\n", cursor, flag, i, ir.String())
	}
}

func (f *Func) String() string {
	var s strings.Builder
	f.Dump(&s, -1)
	return s.String()
}
