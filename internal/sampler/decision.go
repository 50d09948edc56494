package sampler

// Outcome is the decision engine's answer for one allocation: whether
// it is sampled, and for byte-weighted schemes, the effective number of
// bytes it represents statistically (spec section 4.2's "weight").
// Weight is 0 whenever Sampled is false.
type Outcome struct {
	Sampled bool
	Weight  uint64
}

// DecidePreAlloc attempts to answer the sampling question using only
// the requested size, before the underlying allocation has happened.
// This is possible for Poisson-bytes always, and for Hybrid when the
// size falls below the configured threshold. ok is false when the
// active algorithm needs an address to decide (address-hash, page-hash,
// or Hybrid above the threshold) — spec section 4.2's "selective-header
// decision timing" constraint, needed by the sample-headers policy
// which must know the outcome before it knows how to lay out the
// block.
func DecidePreAlloc(cfg Config, ts *ThreadState, size uint64) (outcome Outcome, ok bool) {
	switch cfg.Algorithm {
	case AlgorithmNone:
		return Outcome{}, true
	case AlgorithmPoissonBytes:
		sampled, weight := ts.poissonSample(size, float64(cfg.PoissonMeanBytes))
		return Outcome{Sampled: sampled, Weight: weight}, true
	case AlgorithmHybrid:
		if size < cfg.HybridThreshold {
			sampled, weight := ts.poissonSample(size, float64(cfg.PoissonMeanBytes))
			return Outcome{Sampled: sampled, Weight: weight}, true
		}
		return Outcome{}, false
	default:
		return Outcome{}, false
	}
}

// poissonBernoulliDecision implements AlgorithmPoissonBernoulli: an
// independent, address-keyed coin flip with probability size/mean
// (capped at 1), rather than AlgorithmPoissonBytes's running stream. It
// is a pure function of (addr, size), so the same decision can be
// recomputed later from an approximate size alone — the property
// PolicyStateless depends on.
func poissonBernoulliDecision(cfg Config, addr uintptr, size uint64) Outcome {
	p := float64(size) / float64(cfg.PoissonMeanBytes)
	if p >= 1 {
		// p*2^64 would not fit in a uint64 threshold; a certain sample
		// needs no hash.
		return Outcome{Sampled: true, Weight: size}
	}
	h := Mix(cfg.Mixer, uint64(addr))
	threshold := uint64(p * float64(^uint64(0)))
	if h > threshold {
		return Outcome{}
	}
	return Outcome{Sampled: true, Weight: size}
}

// DecideWithAddress resolves the address-dependent algorithms once the
// block address is known: address-hash over addr itself, page-hash over
// addr>>12, and Hybrid's above-threshold branch (also address-hash).
// Weight for these schemes is simply the requested size: unlike
// Poisson-bytes they carry no statistical byte-weighting, per spec
// section 4.2.
func DecideWithAddress(cfg Config, addr uintptr, size uint64) Outcome {
	switch cfg.Algorithm {
	case AlgorithmAddressHash, AlgorithmHybrid:
		return hashDecision(cfg, uint64(addr), size)
	case AlgorithmPageHash:
		return hashDecision(cfg, PageNumber(addr), size)
	case AlgorithmPoissonBernoulli:
		return poissonBernoulliDecision(cfg, addr, size)
	default:
		return Outcome{}
	}
}

// PageNumber returns the 4 KiB page number addr falls on, used by the
// page-hash scheme and the page-coverage bitmap.
func PageNumber(addr uintptr) uint64 { return uint64(addr) >> 12 }

func hashDecision(cfg Config, key, size uint64) Outcome {
	h := Mix(cfg.Mixer, key)
	if h&cfg.HashMask != 0 {
		return Outcome{}
	}
	return Outcome{Sampled: true, Weight: size}
}

// NeedsAddress reports whether alg can ever require an address to
// resolve a decision for the given size under the current hybrid
// threshold. Used by the liveness layer to decide whether the
// throwaway-allocation path (spec section 4.2, option (b)) is needed
// under the sample-headers policy.
func NeedsAddress(cfg Config, size uint64) bool {
	switch cfg.Algorithm {
	case AlgorithmAddressHash, AlgorithmPageHash, AlgorithmPoissonBernoulli:
		return true
	case AlgorithmHybrid:
		return size >= cfg.HybridThreshold
	default:
		return false
	}
}

// poissonSample implements the geometric-interval byte-counting process
// from spec section 4.2. It mutates ts, which is safe because
// ThreadState is never shared across threads.
func (ts *ThreadState) poissonSample(size uint64, mean float64) (sampled bool, weight uint64) {
	if !ts.bytesInit {
		ts.bytesUntilNext = ts.rng.GeometricInterval(mean)
		ts.bytesInit = true
	}
	ts.bytesUntilNext -= int64(size)
	ts.runningBytes += int64(size)
	if ts.bytesUntilNext > 0 {
		return false, 0
	}

	var crossings int64
	for ts.bytesUntilNext <= 0 {
		crossings++
		ts.bytesUntilNext += ts.rng.GeometricInterval(mean)
	}
	return true, uint64(crossings) * uint64(mean)
}
