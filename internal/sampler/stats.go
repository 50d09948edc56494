package sampler

import "sync/atomic"

// sizeBinBounds are the ten fixed upper bounds from spec section 4.2.
// The last bin has no finite bound (it catches everything above 65536).
var sizeBinBounds = [10]uint64{32, 64, 128, 256, 512, 1024, 4096, 16384, 65536, ^uint64(0)}

var sizeBinLabels = [10]string{
	"0-32", "33-64", "65-128", "129-256", "257-512",
	"513-1024", "1025-4096", "4097-16384", "16385-65536", "65537-inf",
}

// binIndex returns which of the ten size bins n belongs to.
func binIndex(n uint64) int {
	for i, bound := range sizeBinBounds {
		if n <= bound {
			return i
		}
	}
	return len(sizeBinBounds) - 1
}

type sizeBin struct {
	total   atomic.Uint64
	sampled atomic.Uint64
}

// Stats holds every process-wide counter from spec section 3's "Process
// stats" entity and section 4.4's summary fields. All fields are
// mutated with relaxed atomic read-modify-writes, per spec section 5:
// "Stats are eventually consistent... accurate in aggregate, not
// point-in-time." The one exception is the dead-zone window counter,
// which uses an atomic exchange specifically so exactly one thread
// observes (and counts) a given window boundary.
type Stats struct {
	totalAllocs     atomic.Uint64
	totalFrees      atomic.Uint64
	totalBytesAlloc atomic.Uint64
	totalBytesFreed atomic.Uint64

	sampledAllocs     atomic.Uint64
	sampledFrees      atomic.Uint64
	sampledBytesAlloc atomic.Uint64

	bins [10]sizeBin

	windowAllocCount   atomic.Uint64 // allocations seen in the current window
	windowSampledCount atomic.Uint64 // samples seen in the current window
	windowsTotal       atomic.Uint64
	windowsZeroCount   atomic.Uint64
	deadZoneWindow     uint64

	indexInserts   atomic.Uint64
	indexDeletes   atomic.Uint64
	indexEvictions atomic.Uint64
	indexPeakSize  atomic.Uint64

	// pageCoverage, when non-nil (page-hash scheme only), tracks every
	// distinct page this process has ever allocated on and every page
	// that was ever sampled, so the "approx_unique_pages" /
	// "approx_sampled_pages" dead-zone diagnostic from spec section 8
	// scenario 3 can be reported.
	pageCoverage *pageCoverage

	// trace, when non-nil, receives one call per sampled allocation or
	// free (SAMPLER_EVENT_TRACE, SPEC_FULL's additive interface
	// surface). Left nil unless the resolved config asked for it, so
	// the hot path costs nothing when tracing is off.
	trace func(kind string, n uint64, weight uint64)
}

// NewStats constructs a Stats block. deadZoneWindow is the configured
// window size (spec section 4.2 default 100000). trackPages enables the
// page-coverage bitmap, which only the page-hash scheme needs.
func NewStats(deadZoneWindow uint64, trackPages bool) *Stats {
	s := &Stats{deadZoneWindow: deadZoneWindow}
	if trackPages {
		s.pageCoverage = newPageCoverage()
	}
	return s
}

// RecordAlloc records one allocation of size n, sampled or not, and
// rolls the dead-zone window forward. Called exactly once per
// successful (non-recursive, non-foreign) malloc/calloc/realloc-as-new.
func (s *Stats) RecordAlloc(n uint64, sampled bool, sampledBytesWeight uint64, pageAddr uint64) {
	s.totalAllocs.Add(1)
	s.totalBytesAlloc.Add(n)
	bin := &s.bins[binIndex(n)]
	bin.total.Add(1)

	if sampled {
		s.sampledAllocs.Add(1)
		s.sampledBytesAlloc.Add(sampledBytesWeight)
		bin.sampled.Add(1)
		if s.trace != nil {
			s.trace("alloc", n, sampledBytesWeight)
		}
	}

	if s.pageCoverage != nil {
		s.pageCoverage.observe(pageAddr, sampled)
	}

	s.rollWindow(sampled)
}

// rollWindow implements spec section 4.2's dead-zone accounting: every
// WINDOW_SIZE allocations, the current window's sample count is
// atomically exchanged to zero and windowsTotal is incremented; if the
// exchanged value was zero, windowsZeroCount is also incremented.
//
// atomic.Add on windowAllocCount hands out a strictly increasing,
// gap-free sequence of return values across every concurrent caller, so
// exactly one caller ever observes n == deadZoneWindow; that caller,
// and only that caller, performs the rollover.
func (s *Stats) rollWindow(sampled bool) {
	if sampled {
		s.windowSampledCount.Add(1)
	}
	n := s.windowAllocCount.Add(1)
	if n == s.deadZoneWindow {
		s.windowAllocCount.Store(0)
		exchanged := s.windowSampledCount.Swap(0)
		s.windowsTotal.Add(1)
		if exchanged == 0 {
			s.windowsZeroCount.Add(1)
		}
	}
}

// RecordFree records one free of size n (as known to the sampler; may
// be 0 for foreign/untracked frees where size can't be recovered).
func (s *Stats) RecordFree(n uint64, sampled bool) {
	s.totalFrees.Add(1)
	s.totalBytesFreed.Add(n)
	if sampled {
		s.sampledFrees.Add(1)
		if s.trace != nil {
			s.trace("free", n, 0)
		}
	}
}

// IndexInsert records a successful pointer-index insertion
// (sample-headers policy only) and updates the peak-size high-water
// mark.
func (s *Stats) IndexInsert(currentSize uint64) {
	s.indexInserts.Add(1)
	for {
		peak := s.indexPeakSize.Load()
		if currentSize <= peak {
			return
		}
		if s.indexPeakSize.CompareAndSwap(peak, currentSize) {
			return
		}
	}
}

// IndexDelete records a matched index removal on free.
func (s *Stats) IndexDelete() { s.indexDeletes.Add(1) }

// IndexEviction records the LRU evicting a live entry under capacity
// pressure: spec section 7's "index insertion failure under memory
// pressure" failure kind, discovered lazily. The evicted entry also
// counts as an index delete so the invariant
// index_inserts - index_deletes == index_current_size keeps holding.
func (s *Stats) IndexEviction() {
	s.indexEvictions.Add(1)
	s.indexDeletes.Add(1)
}

// FinalizePartialWindow closes out whatever partial window remains at
// process exit, per spec section 4.4.
func (s *Stats) FinalizePartialWindow() {
	n := s.windowAllocCount.Load()
	if n == 0 {
		return
	}
	exchanged := s.windowSampledCount.Swap(0)
	s.windowAllocCount.Store(0)
	s.windowsTotal.Add(1)
	if exchanged == 0 {
		s.windowsZeroCount.Add(1)
	}
}
