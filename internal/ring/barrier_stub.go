//go:build !(linux && cgo)

package ring

// Sfence and Mfence degrade to no-ops on builds without cgo; all ring
// index access already goes through sync/atomic, which the Go memory
// model documents as sequentially consistent, so correctness holds
// without the extra hardware fence — only the belt-and-suspenders
// guarantee on exotic architectures is lost.
func Sfence() {}

func Mfence() {}
