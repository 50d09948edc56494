package sampler

import "unsafe"

// HeaderMagic uniquely identifies a block wrapped by this sampler. A
// block whose leading 8 bytes don't match this value is foreign: either
// allocated before interposition was initialized, or handed back by a
// non-intercepted path. See spec section 3, "Invariants".
const HeaderMagic uint64 = 0xDDBEEFCAFEBABE01

// FlagSampled is the one flag bit the spec assigns meaning to; all
// others are reserved and must stay zero.
const FlagSampled uint32 = 1 << 0

// HeaderSize is the fixed 16-byte prefix spec section 6 mandates:
// 8-byte magic, 4-byte flags, 4-byte reserved (user-requested size,
// truncated to 32 bits). It is also the alignment of the block, so the
// user pointer returned to callers preserves malloc's own alignment
// guarantee.
const HeaderSize = uintptr(unsafe.Sizeof(rawHeader{}))

type rawHeader struct {
	magic    uint64
	flags    uint32
	reserved uint32
}

// headerAt reinterprets the memory at addr as a rawHeader. addr must
// point at least HeaderSize bytes of writable memory that this process
// owns; callers are responsible for that invariant (it holds for every
// blockAddr this package hands out).
func headerAt(addr uintptr) *rawHeader {
	return (*rawHeader)(unsafe.Pointer(addr)) //nolint:govet
}

// StampHeader writes a fresh header at blockAddr and returns the user
// pointer (blockAddr + HeaderSize) that the wrapper should hand back to
// the caller. userSize is truncated to 32 bits per spec section 6;
// allocations over 4 GiB are still sampled correctly, only their
// recorded size truncates.
func StampHeader(blockAddr uintptr, sampled bool, userSize uint64) uintptr {
	h := headerAt(blockAddr)
	h.magic = HeaderMagic
	if sampled {
		h.flags = FlagSampled
	} else {
		h.flags = 0
	}
	h.reserved = uint32(userSize)
	return blockAddr + HeaderSize
}

// ReadHeader inspects the header immediately preceding userPtr. ok is
// false when the magic doesn't match, meaning userPtr is foreign and
// must be handled by the pass-through path rather than treated as an
// error (spec section 7).
func ReadHeader(userPtr uintptr) (sampled bool, userSize uint32, blockAddr uintptr, ok bool) {
	blockAddr = userPtr - HeaderSize
	h := headerAt(blockAddr)
	if h.magic != HeaderMagic {
		return false, 0, 0, false
	}
	return h.flags&FlagSampled != 0, h.reserved, blockAddr, true
}

// ClearHeader wipes the magic so a reused address is never mistaken for
// a still-live wrapped block. Called just before the underlying free.
func ClearHeader(blockAddr uintptr) {
	h := headerAt(blockAddr)
	*h = rawHeader{}
}

// copyBytes copies n bytes from src to dst. Both must point at n bytes
// of memory this process owns. Used when a block moves address (a
// foreign pointer being rewrapped, for instance) and the contents must
// follow it, the way realloc(3) itself would.
func copyBytes(dst, src uintptr, n uintptr) {
	if n == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(dstSlice, srcSlice)
}
