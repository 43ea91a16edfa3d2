package cmn

import "fmt"

// Assert panics when cond is false. Used sparingly, at invariant boundaries
// that a caller cannot violate through normal (validated) input - the same
// role cmn.Assert plays throughout the teacher codebase.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: %s", msg))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
