package llvm

import (
	"math/bits"

	"github.com/calyx-lang/calyx/bytecode"
)

// The debug stream is a byte-oriented encoding of a function's source
// locations and resumption points, stored alongside ahead-of-time code.
// Each byte carries a record tag in the high nibble and a small payload
// in the low nibble.
const (
	dcStop     = 0 // end of stream
	dcTrap     = 1 // payload instructions with no metadata
	dcLongTrap = 2 // as dcTrap with a 16-bit count following
	dcTarget   = 3 // next instruction is a branch target
	dcFile     = 4 // NUL-terminated file name follows; resets the line
	dcLoc      = 5 // line advances by payload
	dcLongLoc  = 6 // absolute 16-bit line follows
)

// A DebugPoint is one decoded location or branch-target record. Pos
// counts the executable instructions preceding the record.
type DebugPoint struct {
	Pos    int
	Target bool
	File   string
	Line   int
}

// EncodeDebug packs f's location markers and branch targets into the
// debug byte stream. The instruction Target flags must be current, so
// the control-flow graph has to have been built first.
func EncodeDebug(f *bytecode.Func) []byte {
	enc := make([]byte, 0, min(len(f.Instrs)+100, 1024))
	run, lineno := 0, 0
	file := ""

	flush := func() {
		if run == 0 {
			return
		}
		if run < 16 {
			enc = append(enc, byte(dcTrap<<4|run))
		} else {
			enc = append(enc, dcLongTrap<<4, byte(run), byte(run>>8))
		}
		run = 0
	}

	for i := range f.Instrs {
		ir := &f.Instrs[i]
		if ir.Target || ir.Op == bytecode.Debug {
			flush()
		}

		if ir.Target {
			enc = append(enc, dcTarget<<4)
		}

		if ir.Op != bytecode.Debug {
			run++
			continue
		}

		if ir.Arg1.File != file {
			file = ir.Arg1.File
			lineno = 0
			len2 := bits.Len(uint(len(file) + 1))
			enc = append(enc, byte(dcFile<<4|len2))
			enc = append(enc, file...)
			enc = append(enc, 0)
		}

		if delta := ir.Arg1.Line - lineno; delta >= 0 && delta < 16 {
			enc = append(enc, byte(dcLoc<<4|delta))
		} else {
			enc = append(enc, dcLongLoc<<4, byte(ir.Arg1.Line), byte(ir.Arg1.Line>>8))
		}
		lineno = ir.Arg1.Line
	}

	flush()
	return append(enc, dcStop<<4)
}

// DecodeDebug expands an encoded debug stream into its location and
// branch-target records.
func DecodeDebug(enc []byte) []DebugPoint {
	var points []DebugPoint
	pos, line := 0, 0
	file := ""

	for i := 0; i < len(enc); {
		tag, payload := enc[i]>>4, int(enc[i]&0xf)
		i++
		switch tag {
		case dcStop:
			return points
		case dcTrap:
			pos += payload
		case dcLongTrap:
			pos += int(enc[i]) | int(enc[i+1])<<8
			i += 2
		case dcTarget:
			points = append(points, DebugPoint{
				Pos: pos, Target: true, File: file, Line: line,
			})
		case dcFile:
			end := i
			for enc[end] != 0 {
				end++
			}
			file = string(enc[i:end])
			line = 0
			i = end + 1
		case dcLoc:
			line += payload
			points = append(points, DebugPoint{Pos: pos, File: file, Line: line})
		case dcLongLoc:
			line = int(enc[i]) | int(enc[i+1])<<8
			i += 2
			points = append(points, DebugPoint{Pos: pos, File: file, Line: line})
		}
	}
	return points
}
