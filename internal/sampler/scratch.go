package sampler

import (
	"sync/atomic"
	"unsafe"
)

// scratchSize bounds the pre-initialization bump buffer from spec
// section 9's recursive-initialization design note. It only has to
// survive the handful of allocations libc's dynamic loader makes while
// resolving the real malloc/calloc/realloc/free symbols, so it stays
// deliberately tiny.
const scratchSize = 64 * 1024

const scratchAlign = 16

var (
	scratchBuf    [scratchSize]byte
	scratchOffset atomic.Uint64
)

// ScratchAlloc serves n bytes from the static bump buffer, returning 0
// once the buffer is exhausted — matching calloc's documented
// pre-init behavior in spec section 4.1 ("return null if exhausted").
// It never blocks and never calls into the real allocator, which is
// exactly the property that breaks the recursive-initialization
// deadlock spec section 9 describes.
func ScratchAlloc(n uint64) uintptr {
	size := (n + scratchAlign - 1) &^ (scratchAlign - 1)
	if size == 0 {
		size = scratchAlign
	}
	for {
		cur := scratchOffset.Load()
		next := cur + size
		if next > scratchSize {
			return 0
		}
		if scratchOffset.CompareAndSwap(cur, next) {
			return uintptr(unsafe.Pointer(&scratchBuf[cur]))
		}
	}
}

// ScratchOwns reports whether addr was handed out by ScratchAlloc, so a
// free() on it can be silently ignored rather than passed to the real
// allocator, per spec section 4.1's "must be recognized and silently
// ignored on free."
func ScratchOwns(addr uintptr) bool {
	base := uintptr(unsafe.Pointer(&scratchBuf[0]))
	return addr >= base && addr < base+scratchSize
}
