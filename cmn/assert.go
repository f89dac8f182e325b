package cmn

import "fmt"

// Assert panics if cond is false. Reserved for invariant violations that
// indicate a programming error in memprof itself (see spec.md §7) — never
// for expected runtime conditions such as an orphan free or a malformed
// broker line, which are handled through the error taxonomy instead.
func Assert(cond bool) {
	if !cond {
		panic("memprof: assertion failed")
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("memprof: "+format, args...))
	}
}

// AssertNoErr panics if err is non-nil. Used for errors that the call site
// has already proven cannot occur (e.g. marshaling a struct this package
// itself defined).
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("memprof: unexpected error: %v", err))
	}
}
