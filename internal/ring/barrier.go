//go:build linux && cgo

package ring

/*
#include <stdint.h>

// x86-64 store fence: ensures all prior stores are globally visible
// before any subsequent store. Used when publishing rsp_prod so the
// guest never observes an updated producer index before the response
// slots it points at.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: ensures all prior loads and stores have
// completed before any subsequent memory operation. Used by the final-
// check-for-requests and push-responses-and-check-notify sequences,
// the only two places this ring needs a full barrier.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE).
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE).
func Mfence() {
	C.mfence_impl()
}
