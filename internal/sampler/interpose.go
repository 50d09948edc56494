package sampler

import (
	"math/bits"

	"github.com/google/uuid"
)

// RealAllocator is the underlying heap the sampler always delegates to
// (spec section 1, Non-goals: "allocator replacement... the core always
// delegates to the underlying allocator"). cmd/libsampler implements it
// over cgo-resolved libc symbols; tests implement it over a small
// Go-backed arena so the whole decision/liveness stack is exercised
// without cgo.
type RealAllocator interface {
	Malloc(size uintptr) uintptr
	Calloc(nmemb, size uintptr) uintptr
	Realloc(ptr uintptr, size uintptr) uintptr
	Free(ptr uintptr)
	// UsableSize reports the platform's notion of how many bytes are
	// actually usable at ptr (malloc_usable_size(3) on Linux), used by
	// the foreign-pointer realloc path to learn how much of the old
	// block to copy forward.
	UsableSize(ptr uintptr) uintptr
}

// Engine ties the decision engine, liveness policy, stats, and
// thread-state registry to one RealAllocator. It is the complete,
// cgo-free implementation of the four wrapper contracts from spec
// section 4.1; cmd/libsampler's //export functions are a thin
// uintptr<->C.size_t translation layer around it.
type Engine struct {
	cfg      Config
	stats    *Stats
	registry *Registry
	index    *Index // non-nil only under PolicySampleHeaders
	real     RealAllocator
	runID    uuid.UUID
}

// NewEngine builds an Engine for cfg over real. cfg is assumed already
// fully resolved (parsed once, by the single caller that won the init
// claim, before any wrapper call is served by the Engine).
func NewEngine(cfg Config, real RealAllocator) *Engine {
	e := &Engine{
		cfg:      cfg,
		stats:    NewStats(cfg.DeadZoneWindow, cfg.Algorithm == AlgorithmPageHash),
		registry: NewRegistry(),
		real:     real,
	}
	if cfg.Policy == PolicySampleHeaders {
		e.index = NewIndex(cfg.IndexCapacity, e.stats)
	}
	if cfg.EventTrace {
		e.stats.trace = emitTraceLine
	}
	e.runID = NewRunID()
	return e
}

// Stats exposes the live stats block, e.g. for the destructor's
// summary write.
func (e *Engine) Stats() *Stats { return e.stats }

// Index exposes the pointer index (nil unless sample-headers).
func (e *Engine) Index() *Index { return e.index }

// Config returns the engine's resolved configuration.
func (e *Engine) Config() Config { return e.cfg }

// Bootstrap parses the environment, logs the resolved configuration,
// and constructs the Engine that serves every subsequent call. Callers
// (cmd/libsampler) run this exactly once, under their own init guard,
// after the real allocator's symbols are resolved.
func Bootstrap(real RealAllocator) *Engine {
	cfg := Load(OSEnviron)
	logInit(cfg)
	return NewEngine(cfg, real)
}

// Shutdown closes out the partial dead-zone window and writes the final
// JSON summary, per spec section 4.4. Callers invoke this once at
// process exit.
func Shutdown(e *Engine) {
	e.stats.FinalizePartialWindow()
	sum := BuildSummary(e.cfg, e.stats, e.index, e.runID)
	WriteSummary(e.cfg, sum)
}

// Malloc implements spec section 4.1's malloc(n) contract.
func (e *Engine) Malloc(threadHandle, stackAddr uintptr, n uint64) uintptr {
	ts := e.registry.StateFor(threadHandle, stackAddr)
	if ts.inWrapper {
		// Recursion guard (spec section 4.1): the real allocator may
		// already hold its internal lock on this thread (e.g. this call
		// was itself triggered by symbol resolution inside malloc).
		// Calling back into it here is the deadlock scenario the guard
		// exists to prevent, so this returns null and records nothing.
		return 0
	}
	ts.inWrapper = true
	defer func() { ts.inWrapper = false }()

	return e.allocate(ts, n, false)
}

// Calloc implements spec section 4.1's calloc(m, n) contract: the
// returned memory is zero-initialized, and nmemb*size overflow must
// fail the same way libc's calloc does (null, no partial allocation).
func (e *Engine) Calloc(threadHandle, stackAddr uintptr, nmemb, size uint64) uintptr {
	ts := e.registry.StateFor(threadHandle, stackAddr)
	if ts.inWrapper {
		// Recursion guard: see Malloc.
		return 0
	}
	ts.inWrapper = true
	defer func() { ts.inWrapper = false }()

	total, hi := bits.Mul64(nmemb, size)
	if hi != 0 {
		return 0
	}
	return e.allocate(ts, total, true)
}

// allocate is the shared body of Malloc and Calloc: both need the same
// decision/liveness machinery, differing only in whether the real
// allocator call must zero the memory.
func (e *Engine) allocate(ts *ThreadState, n uint64, zero bool) uintptr {
	switch e.cfg.Policy {
	case PolicyAllHeaders:
		return e.allocateAllHeaders(ts, n, zero)
	case PolicySampleHeaders:
		return e.allocateSampleHeaders(ts, n, zero)
	default:
		return e.allocateStateless(ts, n, zero)
	}
}

func (e *Engine) rawAlloc(n uintptr, zero bool) uintptr {
	if zero {
		return e.real.Calloc(1, n)
	}
	return e.real.Malloc(n)
}

// Realloc implements spec section 4.1's realloc(p, n) contract,
// including the null-degrades-to-malloc and zero-degrades-to-free
// special cases.
func (e *Engine) Realloc(threadHandle, stackAddr, p uintptr, n uint64) uintptr {
	ts := e.registry.StateFor(threadHandle, stackAddr)
	if ts.inWrapper {
		// Recursion guard: see Malloc. realloc is an allocating call, so
		// null is the correct degraded response even when p is non-null.
		return 0
	}
	ts.inWrapper = true
	defer func() { ts.inWrapper = false }()

	if p == 0 {
		return e.allocate(ts, n, false)
	}
	if n == 0 {
		e.free(ts, p)
		return 0
	}

	switch e.cfg.Policy {
	case PolicyAllHeaders:
		return e.reallocAllHeaders(ts, p, n)
	case PolicySampleHeaders:
		return e.reallocSampleHeaders(ts, p, n)
	default:
		return e.reallocStateless(ts, p, n)
	}
}

// Free implements spec section 4.1's free(p) contract: null is a no-op.
func (e *Engine) Free(threadHandle, stackAddr, p uintptr) {
	ts := e.registry.StateFor(threadHandle, stackAddr)
	if ts.inWrapper {
		e.real.Free(p)
		return
	}
	ts.inWrapper = true
	defer func() { ts.inWrapper = false }()

	if p == 0 {
		return
	}
	e.free(ts, p)
}
