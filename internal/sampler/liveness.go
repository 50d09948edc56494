package sampler

// This file implements the three liveness-tracking policies from spec
// section 4.3: each one answers the same question — "was this pointer
// sampled, and how many bytes did it represent?" — using a different
// amount of memory to remember the answer between malloc and free.

// --- PolicyAllHeaders: a 16-byte header prefixes every block ---

func (e *Engine) allocateAllHeaders(ts *ThreadState, n uint64, zero bool) uintptr {
	block := e.rawAlloc(uintptr(n)+HeaderSize, zero)
	if block == 0 {
		return 0
	}
	out := e.decide(ts, block, n)
	userPtr := StampHeader(block, out.Sampled, n)
	e.stats.RecordAlloc(n, out.Sampled, out.Weight, PageNumber(block))
	return userPtr
}

func (e *Engine) reallocAllHeaders(ts *ThreadState, p uintptr, n uint64) uintptr {
	sampled, _, blockAddr, ok := ReadHeader(p)
	if !ok {
		return e.reallocForeignAllHeaders(ts, p, n)
	}
	oldSize := uint64(e.real.UsableSize(blockAddr))
	if oldSize >= HeaderSize {
		oldSize -= uint64(HeaderSize)
	}
	e.stats.RecordFree(oldSize, sampled)

	newBlock := e.real.Realloc(blockAddr, uintptr(n)+HeaderSize)
	if newBlock == 0 {
		return 0
	}
	out := e.decide(ts, newBlock, n)
	userPtr := StampHeader(newBlock, out.Sampled, n)
	e.stats.RecordAlloc(n, out.Sampled, out.Weight, PageNumber(newBlock))
	return userPtr
}

// reallocForeignAllHeaders handles realloc(3) on a pointer that was
// never stamped with a wrapper header: memory handed to this process by
// a static initializer or other allocation path that ran before the
// sampler attached, for instance. Simply forwarding to the real realloc
// would hand the caller back an unwrapped pointer, leaving the block
// permanently misclassified as foreign on every later free/realloc.
// Instead the wrapper learns the old block's usable size through the
// platform extension, allocates a fresh wrapped block, copies
// min(old_usable, n) bytes forward, frees the foreign pointer through
// the real free, and returns the new wrapped pointer — spec section
// 4.1's "wrapping a foreign pointer" contract.
func (e *Engine) reallocForeignAllHeaders(ts *ThreadState, p uintptr, n uint64) uintptr {
	oldUsable := uint64(e.real.UsableSize(p))

	block := e.rawAlloc(uintptr(n)+HeaderSize, false)
	if block == 0 {
		return 0
	}
	out := e.decide(ts, block, n)
	userPtr := StampHeader(block, out.Sampled, n)

	copyN := oldUsable
	if copyN > n {
		copyN = n
	}
	copyBytes(userPtr, p, uintptr(copyN))
	e.real.Free(p)

	e.stats.RecordAlloc(n, out.Sampled, out.Weight, PageNumber(block))
	return userPtr
}

func (e *Engine) freeAllHeaders(p uintptr) {
	sampled, userSize, blockAddr, ok := ReadHeader(p)
	if !ok {
		e.real.Free(p)
		return
	}
	e.stats.RecordFree(uint64(userSize), sampled)
	ClearHeader(blockAddr)
	e.real.Free(blockAddr)
}

// --- PolicySampleHeaders: a header (and index entry) only on sampled blocks ---

func (e *Engine) allocateSampleHeaders(ts *ThreadState, n uint64, zero bool) uintptr {
	if out, ok := DecidePreAlloc(e.cfg, ts, n); ok {
		return e.finishSampleHeadersAlloc(n, zero, out)
	}

	// The active algorithm needs an address before it can decide (spec
	// section 4.2, option (b)): allocate a plain, unsampled-shaped
	// block first to learn where it landed, then decide. If it turns
	// out sampled, the plain block is discarded and replaced with a
	// headered one — the "not recommended" cost this combination
	// carries, documented on schemeTable's address/page-hash
	// sample-headers entries.
	probe := e.rawAlloc(uintptr(n), zero)
	if probe == 0 {
		return 0
	}
	out := DecideWithAddress(e.cfg, probe, n)
	if !out.Sampled {
		e.stats.RecordAlloc(n, false, 0, PageNumber(probe))
		return probe
	}
	e.real.Free(probe)
	return e.finishSampleHeadersAlloc(n, zero, out)
}

func (e *Engine) finishSampleHeadersAlloc(n uint64, zero bool, out Outcome) uintptr {
	if !out.Sampled {
		p := e.rawAlloc(uintptr(n), zero)
		if p == 0 {
			return 0
		}
		e.stats.RecordAlloc(n, false, 0, PageNumber(p))
		return p
	}

	block := e.rawAlloc(uintptr(n)+HeaderSize, zero)
	if block == 0 {
		return 0
	}
	userPtr := StampHeader(block, true, n)
	e.index.Insert(userPtr, block)
	e.stats.RecordAlloc(n, true, out.Weight, PageNumber(block))
	return userPtr
}

func (e *Engine) reallocSampleHeaders(ts *ThreadState, p uintptr, n uint64) uintptr {
	blockAddr, wasSampled := e.index.Lookup(p)
	if !wasSampled {
		// Untracked: either never sampled, or evicted under memory
		// pressure. Either way it's a bare block with no header, so
		// realloc it as one, then decide afresh for the new size.
		oldSize := uint64(e.real.UsableSize(p))
		e.stats.RecordFree(oldSize, false)

		newBlock := e.real.Realloc(p, uintptr(n))
		if newBlock == 0 {
			return 0
		}
		out := e.decide(ts, newBlock, n)
		if !out.Sampled {
			e.stats.RecordAlloc(n, false, 0, PageNumber(newBlock))
			return newBlock
		}
		return e.promoteToSampled(newBlock, n, out)
	}

	// Previously sampled: the block has a header. Resize it in place
	// (accounting for the header), re-decide for the new size, and
	// either keep the header or drop to a bare block.
	oldSize := uint64(e.real.UsableSize(blockAddr))
	if oldSize >= HeaderSize {
		oldSize -= uint64(HeaderSize)
	}
	e.stats.RecordFree(oldSize, true)
	e.index.Remove(p)

	out := e.decide(ts, blockAddr, n)
	newBlock := e.real.Realloc(blockAddr, uintptr(n)+HeaderSize)
	if newBlock == 0 {
		return 0
	}
	if !out.Sampled {
		// Degrades to unsampled: the caller gets the bare block start,
		// so the user bytes are moved down over the header first, then
		// the block is shrunk back down without the header room.
		copyBytes(newBlock, newBlock+HeaderSize, uintptr(n))
		e.stats.RecordAlloc(n, false, 0, PageNumber(newBlock))
		shrunk := e.real.Realloc(newBlock, uintptr(n))
		if shrunk == 0 {
			return newBlock
		}
		return shrunk
	}
	userPtr := StampHeader(newBlock, true, n)
	e.index.Insert(userPtr, newBlock)
	e.stats.RecordAlloc(n, true, out.Weight, PageNumber(newBlock))
	return userPtr
}

// promoteToSampled takes a freshly (re)allocated bare block that the
// decision engine has just ruled sampled, and regrows it to make room
// for a header, since the original allocation didn't reserve one. The
// user bytes are moved up past the header room before it is stamped.
func (e *Engine) promoteToSampled(block uintptr, n uint64, out Outcome) uintptr {
	grown := e.real.Realloc(block, uintptr(n)+HeaderSize)
	if grown == 0 {
		e.stats.RecordAlloc(n, false, 0, PageNumber(block))
		return block
	}
	copyBytes(grown+HeaderSize, grown, uintptr(n))
	userPtr := StampHeader(grown, true, n)
	e.index.Insert(userPtr, grown)
	e.stats.RecordAlloc(n, true, out.Weight, PageNumber(grown))
	return userPtr
}

func (e *Engine) freeSampleHeaders(p uintptr) {
	blockAddr, ok := e.index.Lookup(p)
	if !ok {
		oldSize := uint64(e.real.UsableSize(p))
		e.stats.RecordFree(oldSize, false)
		e.real.Free(p)
		return
	}
	_, userSize, _, _ := ReadHeader(p)
	e.stats.RecordFree(uint64(userSize), true)
	e.index.Remove(p)
	ClearHeader(blockAddr)
	e.real.Free(blockAddr)
}

// --- PolicyStateless: no header, no index; re-derive at free time ---

func (e *Engine) allocateStateless(ts *ThreadState, n uint64, zero bool) uintptr {
	p := e.rawAlloc(uintptr(n), zero)
	if p == 0 {
		return 0
	}
	out := e.decide(ts, p, n)
	e.stats.RecordAlloc(n, out.Sampled, out.Weight, PageNumber(p))
	return p
}

func (e *Engine) reallocStateless(ts *ThreadState, p uintptr, n uint64) uintptr {
	oldSize := uint64(e.real.UsableSize(p))
	wasSampled := e.rederiveStateless(p, oldSize).Sampled
	e.stats.RecordFree(oldSize, wasSampled)

	newBlock := e.real.Realloc(p, uintptr(n))
	if newBlock == 0 {
		return 0
	}
	out := e.decide(ts, newBlock, n)
	e.stats.RecordAlloc(n, out.Sampled, out.Weight, PageNumber(newBlock))
	return newBlock
}

func (e *Engine) freeStateless(p uintptr) {
	oldSize := uint64(e.real.UsableSize(p))
	out := e.rederiveStateless(p, oldSize)
	e.stats.RecordFree(oldSize, out.Sampled)
	e.real.Free(p)
}

// rederiveStateless recomputes the sampling decision for an existing
// pointer from nothing but its address and its allocator-reported
// usable size, since PolicyStateless keeps no header and no index.
// This is exact for the address-keyed algorithms (the decision never
// depended on anything else), and approximate for
// AlgorithmPoissonBernoulli, whose outcome depends on size and the
// allocator's usable size only approximates what malloc was actually
// asked for — spec section 4.3's "approximate" caveat for this policy.
func (e *Engine) rederiveStateless(addr uintptr, approxSize uint64) Outcome {
	return DecideWithAddress(e.cfg, addr, approxSize)
}

// --- shared decision dispatch ---

// decide resolves one allocation's Outcome, using the address when the
// active algorithm needs one and the pre-size decision otherwise.
func (e *Engine) decide(ts *ThreadState, addr uintptr, size uint64) Outcome {
	if NeedsAddress(e.cfg, size) {
		return DecideWithAddress(e.cfg, addr, size)
	}
	out, _ := DecidePreAlloc(e.cfg, ts, size)
	return out
}

// free dispatches to the active policy's free-side accounting.
func (e *Engine) free(ts *ThreadState, p uintptr) {
	switch e.cfg.Policy {
	case PolicyAllHeaders:
		e.freeAllHeaders(p)
	case PolicySampleHeaders:
		e.freeSampleHeaders(p)
	default:
		e.freeStateless(p)
	}
}
