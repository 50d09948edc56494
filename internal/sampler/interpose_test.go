package sampler

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func alwaysSampledConfig(policy Policy, alg Algorithm) Config {
	cfg := DefaultConfig()
	cfg.Policy = policy
	cfg.Algorithm = alg
	cfg.Mixer = MixerXorShift
	cfg.HashMask = 0 // h & 0 == 0 always, so hash-based algorithms always sample
	cfg.PoissonMeanBytes = 1
	cfg.HybridThreshold = 0
	cfg.IndexCapacity = 16
	cfg.DeadZoneWindow = 1 << 30 // large enough that no test trips a rollover
	return cfg
}

func neverSampledConfig(policy Policy, alg Algorithm) Config {
	cfg := alwaysSampledConfig(policy, alg)
	cfg.HashMask = ^uint64(0)
	return cfg
}

func TestEngineAllHeadersLifecycle(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.EqualValues(t, 1, e.stats.totalAllocs.Load())
	require.EqualValues(t, 1, e.stats.sampledAllocs.Load())

	e.Free(1, 1, p)
	require.EqualValues(t, 1, e.stats.totalFrees.Load())
	require.EqualValues(t, 1, e.stats.sampledFrees.Load())
}

func TestEngineAllHeadersNeverSampled(t *testing.T) {
	cfg := neverSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.EqualValues(t, 0, e.stats.sampledAllocs.Load())

	e.Free(1, 1, p)
	require.EqualValues(t, 0, e.stats.sampledFrees.Load())
}

func TestEngineAllHeadersForeignPointerPassthrough(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	foreign := real.Malloc(32) // never went through StampHeader
	e.Free(1, 1, foreign)

	require.Zero(t, e.stats.totalFrees.Load(), "a foreign pointer must never be counted")
	_, stillLive := real.live[foreign]
	require.False(t, stillLive, "the real allocator should still have freed it")
}

func TestEngineAllHeadersRealloc(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 32)
	grown := e.Realloc(1, 1, p, 128)
	require.NotZero(t, grown)

	sampled, size, _, ok := ReadHeader(grown)
	require.True(t, ok)
	require.True(t, sampled)
	require.EqualValues(t, 128, size)
}

func TestEngineSampleHeadersPoissonAlwaysSamples(t *testing.T) {
	cfg := alwaysSampledConfig(PolicySampleHeaders, AlgorithmPoissonBytes)
	cfg.PoissonMeanBytes = 1 // guarantees a crossing on essentially every call
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.Equal(t, 1, e.index.Len())

	e.Free(1, 1, p)
	require.Zero(t, e.index.Len())
	require.EqualValues(t, 1, e.stats.sampledFrees.Load())
}

func TestEngineSampleHeadersAddressHashProbePath(t *testing.T) {
	cfg := alwaysSampledConfig(PolicySampleHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.Equal(t, 1, e.index.Len())
	require.EqualValues(t, 1, e.stats.sampledAllocs.Load())

	e.Free(1, 1, p)
	require.Zero(t, e.index.Len())
}

func TestEngineSampleHeadersAddressHashNeverSamples(t *testing.T) {
	cfg := neverSampledConfig(PolicySampleHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.Zero(t, e.index.Len())

	e.Free(1, 1, p)
	require.EqualValues(t, 1, e.stats.totalFrees.Load())
	require.Zero(t, e.stats.sampledFrees.Load())
}

func TestEngineStatelessAddressHashRoundTrip(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyStateless, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.EqualValues(t, 1, e.stats.sampledAllocs.Load())

	e.Free(1, 1, p)
	require.EqualValues(t, 1, e.stats.sampledFrees.Load(),
		"address-hash re-derives the same decision from the same address at free time")
}

func TestEngineCallocZeroesMemory(t *testing.T) {
	cfg := neverSampledConfig(PolicyStateless, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Calloc(1, 1, 4, 8)
	require.NotZero(t, p)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), 32)
	for i, b := range buf {
		require.Zerof(t, b, "byte %d not zeroed", i)
	}
}

func TestEngineCallocOverflowReturnsNull(t *testing.T) {
	cfg := neverSampledConfig(PolicyStateless, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	huge := ^uintptr(0)
	p := e.Calloc(1, 1, uint64(huge), 2)
	require.Zero(t, p)
}

func TestEngineReallocNullActsAsMalloc(t *testing.T) {
	cfg := neverSampledConfig(PolicyStateless, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Realloc(1, 1, 0, 16)
	require.NotZero(t, p)
	require.EqualValues(t, 1, e.stats.totalAllocs.Load())
}

func TestEngineReallocZeroActsAsFree(t *testing.T) {
	cfg := neverSampledConfig(PolicyStateless, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 16)
	out := e.Realloc(1, 1, p, 0)
	require.Zero(t, out)
	require.EqualValues(t, 1, e.stats.totalFrees.Load())
}

func TestEngineRecursionGuardReturnsNullForAllocatingCalls(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	ts := e.registry.StateFor(1, 1)
	ts.inWrapper = true

	// A reentrant call must not touch the real allocator at all (it may
	// already hold its internal lock on this thread) and must record no
	// statistics, per the recursion guard contract.
	require.Zero(t, e.Malloc(1, 1, 16))
	require.Zero(t, e.Calloc(1, 1, 4, 4))
	require.Zero(t, e.Realloc(1, 1, 0x1000, 16))
	require.Zero(t, e.stats.totalAllocs.Load(), "a reentrant allocating call must bypass all sampler accounting")
}

func TestEngineRecursionGuardFreeStillDelegates(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	p := e.Malloc(1, 1, 16)
	require.NotZero(t, p)

	_, _, blockAddr, ok := ReadHeader(p)
	require.True(t, ok)

	ts := e.registry.StateFor(1, 1)
	ts.inWrapper = true
	e.Free(1, 1, p)

	require.Zero(t, e.stats.totalFrees.Load(), "a reentrant free must bypass sampler accounting")
	_, stillLive := real.live[blockAddr]
	require.False(t, stillLive, "free is not an allocating call, so it still performs the real free")
}

// TestEngineForeignPointerThroughRealloc covers spec section 8 scenario
// 5: a pointer obtained by calling straight through to the real
// allocator, then handed to Realloc. The returned pointer must carry a
// valid wrapper header, the old foreign block must be released, and
// stats must record exactly one alloc and no free for the foreign
// release.
func TestEngineForeignPointerThroughRealloc(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmAddressHash)
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	foreign := real.Malloc(64) // bypasses interposition entirely
	grown := e.Realloc(1, 1, foreign, 200)
	require.NotZero(t, grown)

	sampled, size, _, ok := ReadHeader(grown)
	require.True(t, ok, "the returned pointer must carry a valid wrapper header")
	require.True(t, sampled)
	require.EqualValues(t, 200, size)

	require.EqualValues(t, 1, e.stats.totalAllocs.Load())
	require.EqualValues(t, 200, e.stats.totalBytesAlloc.Load())
	require.Zero(t, e.stats.totalFrees.Load(), "the foreign release is not counted as a free")

	_, stillLive := real.live[foreign]
	require.False(t, stillLive, "the foreign block must be released through the real free")
}

// TestEngineSampleHeadersPoissonReallocCrossesSamplingState covers spec
// section 8 scenario 6: an allocation that the Poisson-bytes stream does
// not sample, grown by a realloc large enough to force a crossing. The
// thread's bytes-until-next-sample counter is seeded directly rather than relying
// on the RNG's draw, so the scenario's preconditions hold deterministically.
func TestEngineSampleHeadersPoissonReallocCrossesSamplingState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicySampleHeaders
	cfg.Algorithm = AlgorithmPoissonBytes
	cfg.PoissonMeanBytes = 4096
	cfg.IndexCapacity = 16
	cfg.DeadZoneWindow = 1 << 30
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	ts := e.registry.StateFor(1, 1)
	ts.bytesInit = true
	ts.bytesUntilNext = 1000 // comfortably survives the first 64-byte allocation

	p := e.Malloc(1, 1, 64)
	require.NotZero(t, p)
	require.Zero(t, e.index.Len(), "the first allocation must not be sampled")
	require.EqualValues(t, 1, e.stats.totalAllocs.Load())

	grown := e.Realloc(1, 1, p, 65536)
	require.NotZero(t, grown)
	require.Equal(t, 1, e.index.Len(), "the index must contain the new user pointer")

	sampled, size, _, ok := ReadHeader(grown)
	require.True(t, ok)
	require.True(t, sampled, "a 65536-byte realloc must cross the Poisson interval")
	require.EqualValues(t, 65536, size)

	require.EqualValues(t, 2, e.stats.totalAllocs.Load(), "both the original and the realloc count as allocations")
	require.EqualValues(t, 1, e.stats.totalFrees.Load())
	require.Zero(t, e.stats.sampledFrees.Load(), "the old block was never in the index, so its free is unsampled")
}

// TestEnginePageHashHighReuseSmallWorkingSet covers spec section 8
// scenario 3: a small, fixed working set of pages allocated into
// round-robin many times over. The page addresses are chosen
// deterministically (skipping any page number that the configured mask
// would sample) so the zero-samples outcome is exact rather than merely
// probable, per the scenario's own "a test using a deterministic
// allocator stub must assert this exactly" requirement.
func TestEnginePageHashHighReuseSmallWorkingSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyStateless
	cfg.Algorithm = AlgorithmPageHash
	cfg.Mixer = MixerXorShift
	cfg.HashMask = 0xFF
	cfg.DeadZoneWindow = 100000

	pages := neverSampledPageNumbers(cfg, 11)
	real := newPageRoundRobinAllocator(pages)
	e := NewEngine(cfg, real)

	const iterations = 100000
	for i := 0; i < iterations; i++ {
		p := e.Malloc(1, 1, 64)
		require.NotZero(t, p)
		e.Free(1, 1, p)
	}

	unique, sampledPages := e.stats.pageCoverage.snapshot()
	require.Equal(t, 11, unique)
	require.Zero(t, sampledPages)
	require.Zero(t, e.stats.sampledAllocs.Load())
	require.Equal(t, e.stats.windowsTotal.Load(), e.stats.windowsZeroCount.Load())
	require.EqualValues(t, iterations/int(cfg.DeadZoneWindow), e.stats.windowsTotal.Load())
}

// TestEnginePoissonBytesLargeRunSampleRateBytesNearOne covers spec
// section 8 scenario 4: a large, varied-size Poisson-bytes run. The
// estimator's defining unbiasedness property — sampled bytes track total
// bytes in expectation — is what the scenario exists to exercise, so
// that is what this test asserts directly rather than a literal
// allocation count, which depends on the realized size distribution.
func TestEnginePoissonBytesLargeRunSampleRateBytesNearOne(t *testing.T) {
	cfg := alwaysSampledConfig(PolicyAllHeaders, AlgorithmPoissonBytes)
	cfg.PoissonMeanBytes = 4096
	cfg.DeadZoneWindow = 100000
	real := newFakeAllocator()
	e := NewEngine(cfg, real)

	const iterations = 100000
	for i := 0; i < iterations; i++ {
		size := uint64(16 + (i*37)%4081) // cycles uniformly over [16, 4096]
		p := e.Malloc(1, 1, size)
		require.NotZero(t, p)
		if i%20 != 0 { // roughly 95% freed
			e.Free(1, 1, p)
		}
	}

	totalBytes := e.stats.totalBytesAlloc.Load()
	sampledBytes := e.stats.sampledBytesAlloc.Load()
	rateBytes := float64(sampledBytes) / float64(totalBytes)
	require.InDelta(t, 1.0, rateBytes, 0.1, "Poisson-bytes sampled bytes must track total bytes in expectation")

	require.Zero(t, e.stats.windowsZeroCount.Load(), "a 100k-allocation run at mean=4096 should never see an all-zero window")

	sampledAllocs := e.stats.sampledAllocs.Load()
	require.Greater(t, sampledAllocs, uint64(0))
	require.Less(t, sampledAllocs, uint64(iterations))
}

// neverSampledPageNumbers returns count distinct page base addresses
// whose page numbers the configured mixer/mask would never sample,
// found by walking page numbers upward and skipping any that would
// hash-sample under cfg.
func neverSampledPageNumbers(cfg Config, count int) []uintptr {
	pages := make([]uintptr, 0, count)
	for candidate := uint64(1); len(pages) < count; candidate++ {
		if Mix(cfg.Mixer, candidate)&cfg.HashMask == 0 {
			continue
		}
		pages = append(pages, uintptr(candidate)<<12)
	}
	return pages
}
