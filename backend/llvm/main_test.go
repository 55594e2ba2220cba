package llvm

import (
	"os"
	"strings"
	"testing"

	"tinygo.org/x/go-llvm"
)

// The lowering code assumes LLVM's opaque pointer model, which is the
// default from LLVM 15 onward. LLVM 14 still defaults to typed pointers
// but supports opaque pointers behind a flag; enable it before any
// context is created so the tests see the same pointer model everywhere.
func TestMain(m *testing.M) {
	if strings.HasPrefix(llvm.Version, "14.") {
		llvm.ParseCommandLineOptions([]string{os.Args[0], "-opaque-pointers"}, "")
	}
	os.Exit(m.Run())
}
