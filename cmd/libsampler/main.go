// Command libsampler builds as a cgo c-shared library
// (-buildmode=c-shared) exporting malloc/calloc/realloc/free, meant to
// be loaded into a target process via LD_PRELOAD. All decision,
// liveness-tracking, and stats logic lives in internal/sampler as
// plain, cgo-free Go; this package is the thin layer that resolves the
// real libc symbols, translates between C ABI and uintptr, and wires
// itself to the C-side public symbol names in preload.c.
package main

/*
#cgo LDFLAGS: -ldl -lpthread
#include <pthread.h>
#include <stdint.h>
#include <string.h>
#include "preload.h"
#include "resolve.h"

extern void goSamplerFini(void);

static uintptr_t current_thread_handle(void) {
	return (uintptr_t)pthread_self();
}

// current_stack_addr gives the decision engine's RNG seed a bit of
// per-call stack entropy; it is never dereferenced, only used as a
// number.
static uintptr_t current_stack_addr(void) {
	int probe;
	return (uintptr_t)&probe;
}

static void register_fini_helper(void) {
	register_fini(goSamplerFini);
}
*/
import "C"

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/yikesaxe/allocsampler/internal/sampler"
)

var (
	engine   *sampler.Engine
	ready    atomic.Bool
	claiming atomic.Bool
)

// cgoAllocator implements sampler.RealAllocator over the libc symbols
// resolve.c resolved via dlsym(RTLD_NEXT, ...).
type cgoAllocator struct{}

func (cgoAllocator) Malloc(n uintptr) uintptr {
	return uintptr(C.real_malloc(C.size_t(n)))
}

func (cgoAllocator) Calloc(nmemb, size uintptr) uintptr {
	return uintptr(C.real_calloc(C.size_t(nmemb), C.size_t(size)))
}

func (cgoAllocator) Realloc(ptr uintptr, size uintptr) uintptr {
	return uintptr(C.real_realloc(unsafe.Pointer(ptr), C.size_t(size)))
}

func (cgoAllocator) Free(ptr uintptr) {
	C.real_free(unsafe.Pointer(ptr))
}

func (cgoAllocator) UsableSize(ptr uintptr) uintptr {
	return uintptr(C.real_usable_size(unsafe.Pointer(ptr)))
}

// ensureReady resolves the real allocator and builds the Engine the
// first time any wrapper is called. Exactly one caller (the one that
// wins the claiming CAS) does the work; every other caller — including
// reentrant calls made by dlsym's own internals on the same thread
// while resolve_real_symbols runs — returns immediately and is served
// out of the scratch buffer by the caller until ready flips true. This
// is the recursive-initialization strategy spec section 9 calls for:
// no lock is ever held across a call that might re-enter here.
func ensureReady() {
	if ready.Load() {
		return
	}
	if !claiming.CompareAndSwap(false, true) {
		return
	}
	if C.resolve_real_symbols() != 0 {
		sampler.FatalSymbolResolution("malloc/calloc/realloc/free", errUnresolvedSymbol)
	}
	engine = sampler.Bootstrap(cgoAllocator{})
	C.register_fini_helper()
	ready.Store(true)
}

var errUnresolvedSymbol = errors.New("dlsym(RTLD_NEXT) returned null")

func threadHandle() uintptr { return uintptr(C.current_thread_handle()) }
func stackAddr() uintptr    { return uintptr(C.current_stack_addr()) }

//export sampler_malloc
func sampler_malloc(size C.size_t) unsafe.Pointer {
	ensureReady()
	if !ready.Load() {
		return unsafe.Pointer(sampler.ScratchAlloc(uint64(size)))
	}
	return unsafe.Pointer(engine.Malloc(threadHandle(), stackAddr(), uint64(size)))
}

//export sampler_calloc
func sampler_calloc(nmemb, size C.size_t) unsafe.Pointer {
	ensureReady()
	if !ready.Load() {
		p := sampler.ScratchAlloc(uint64(nmemb) * uint64(size))
		// The scratch buffer lives in the process's BSS segment, which
		// the loader guarantees is zero-filled, and bytes are never
		// reused across grants, so calloc's zeroing contract holds
		// without an explicit memset here.
		return unsafe.Pointer(p)
	}
	return unsafe.Pointer(engine.Calloc(threadHandle(), stackAddr(), uint64(nmemb), uint64(size)))
}

//export sampler_realloc
func sampler_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	p := uintptr(ptr)
	if p != 0 && sampler.ScratchOwns(p) {
		return reallocFromScratch(p, size)
	}
	ensureReady()
	if !ready.Load() {
		return unsafe.Pointer(sampler.ScratchAlloc(uint64(size)))
	}
	return unsafe.Pointer(engine.Realloc(threadHandle(), stackAddr(), p, uint64(size)))
}

// reallocFromScratch promotes a pre-init scratch allocation into a real
// one; the bump buffer has no per-allocation header, so the copy length
// is bounded by the newly requested size rather than the (unknown)
// original one.
func reallocFromScratch(p uintptr, size C.size_t) unsafe.Pointer {
	ensureReady()
	if !ready.Load() {
		return unsafe.Pointer(sampler.ScratchAlloc(uint64(size)))
	}
	newPtr := engine.Malloc(threadHandle(), stackAddr(), uint64(size))
	if newPtr != 0 {
		C.memcpy(unsafe.Pointer(newPtr), unsafe.Pointer(p), size)
	}
	return unsafe.Pointer(newPtr)
}

//export sampler_free
func sampler_free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	p := uintptr(ptr)
	if sampler.ScratchOwns(p) {
		return
	}
	ensureReady()
	if !ready.Load() {
		// A foreign pointer is being freed before the real allocator
		// ever resolved. There is no safe real_free to call through
		// yet, and leaking it is strictly safer than guessing.
		return
	}
	engine.Free(threadHandle(), stackAddr(), p)
}

//export sampler_malloc_usable_size
func sampler_malloc_usable_size(ptr unsafe.Pointer) C.size_t {
	if ptr == nil {
		return 0
	}
	return C.real_usable_size(ptr)
}

//export goSamplerFini
func goSamplerFini() {
	if engine != nil {
		sampler.Shutdown(engine)
	}
}

func main() {}
