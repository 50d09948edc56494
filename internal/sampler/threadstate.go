package sampler

import "sync"

// ThreadState is the per-thread bookkeeping spec section 3 describes:
// an xorshift state, a signed byte counter for Poisson-bytes, a running
// accumulator, and the recursion guard. It is exclusive to the OS
// thread it belongs to; no other thread ever reads or writes it.
//
// Go has no public goroutine-local-storage API, and in any case the
// calls this package serves arrive from foreign OS threads via cgo, not
// from goroutines the Go scheduler is free to migrate. So ThreadState
// is keyed by the calling thread's platform handle (pthread_self() on
// POSIX systems) rather than anything Go-runtime-specific — the same
// choice modernc.org/libc's TLS type makes, keying its table on the
// transpiled program's pthread ids.
type ThreadState struct {
	rng            *RNG
	rngInit        bool
	bytesInit      bool
	bytesUntilNext int64 // signed: may go negative, see spec section 4.2
	runningBytes   int64
	inWrapper      bool
}

// Registry maps a thread handle to its ThreadState, created lazily on
// first use by that thread. sync.Map is a deliberate choice here: the
// access pattern is heavily read-dominated (one lookup per allocator
// call, one insert per distinct thread ever seen), which is exactly
// what sync.Map is optimized for, and avoids a single contended mutex
// across every thread in the host process.
type Registry struct {
	threads sync.Map // uintptr -> *ThreadState
}

// NewRegistry returns an empty thread-state registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// StateFor returns the ThreadState for handle, creating one (seeded
// from handle, wall-clock time, and stackAddr) if this is the first
// call this registry has seen from that thread.
//
// Entries are never removed: Go gives us no portable hook that fires
// when a foreign OS thread exits, so a long-lived host process that
// creates and destroys many short-lived threads will accumulate
// ThreadState entries for the lifetime of the sampler. Each entry is a
// few dozen bytes; see DESIGN.md for why this is an accepted tradeoff
// rather than a bug.
func (r *Registry) StateFor(handle uintptr, stackAddr uintptr) *ThreadState {
	if v, ok := r.threads.Load(handle); ok {
		return v.(*ThreadState)
	}
	ts := &ThreadState{}
	actual, _ := r.threads.LoadOrStore(handle, ts)
	ts = actual.(*ThreadState)
	if !ts.rngInit {
		ts.rng = SeedRNG(handle, stackAddr)
		ts.rngInit = true
	}
	return ts
}

// Count reports how many distinct threads have ever called into the
// sampler. Exposed for diagnostics only.
func (r *Registry) Count() int {
	n := 0
	r.threads.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
