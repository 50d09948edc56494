package sampler

import (
	"os"
	"strconv"
	"strings"

	"github.com/naoina/toml"
)

// Scheme is the closed set of SAMPLER_SCHEME values from spec section 6.
// It is a tagged-variant dispatched on a single enum, per spec section
// 9's "tagged-variant dispatch" design note: the branch is fully
// predictable after the first call, so virtual dispatch would buy
// nothing.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeStatelessHashXor
	SchemeStatelessHashSplitmix
	SchemeStatelessHashMurmurish
	SchemeStatelessPoissonBernoulli
	SchemeHeaderHash
	SchemeHeaderPageHash
	SchemeHeaderPoissonBytes
	SchemeHeaderHybrid
	SchemeSampleHeadersPoissonMap
	SchemeSampleHeadersHashMap
	SchemeSampleHeadersEbpfInspired
)

// Policy is the liveness-tracking strategy a build runs under. The
// decision engine is orthogonal to it (spec section 4.3, "Selection
// contract"), but each Scheme carries a natural default Policy; see
// schemeTable below.
type Policy int

const (
	PolicyAllHeaders Policy = iota
	PolicySampleHeaders
	PolicyStateless
)

// Algorithm is the decision-engine family a Scheme selects, independent
// of Policy.
type Algorithm int

const (
	AlgorithmAddressHash Algorithm = iota
	AlgorithmPageHash
	AlgorithmPoissonBytes
	AlgorithmHybrid
	AlgorithmNone
	// AlgorithmPoissonBernoulli is the per-allocation, address-keyed
	// variant of byte sampling: unlike AlgorithmPoissonBytes's
	// running geometric-interval stream (which needs a header or index
	// entry to remember where the stream stood), each call is an
	// independent weighted coin flip over mix(addr), so the same
	// decision can be recomputed later from nothing but the address and
	// an approximate size. That's what makes it usable under
	// PolicyStateless, where there is nowhere to remember stream state.
	AlgorithmPoissonBernoulli
)

type schemeTraits struct {
	name      string
	algorithm Algorithm
	mixer     Mixer
	policy    Policy
	// recommended is false for the combinations spec section 4.2 calls
	// out as "implemented for completeness but documented as not
	// recommended" (address/page hash paired with sample-headers,
	// which needs a throwaway allocation to learn the address before
	// the sample/no-sample decision is known).
	recommended bool
}

var schemeTable = map[Scheme]schemeTraits{
	SchemeNone:                      {"NONE", AlgorithmNone, MixerXorShift, PolicyStateless, true},
	SchemeStatelessHashXor:          {"STATELESS_HASH_XOR", AlgorithmAddressHash, MixerXorShift, PolicyStateless, true},
	SchemeStatelessHashSplitmix:     {"STATELESS_HASH_SPLITMIX", AlgorithmAddressHash, MixerSplitMix64, PolicyStateless, true},
	SchemeStatelessHashMurmurish:    {"STATELESS_HASH_MURMURISH", AlgorithmAddressHash, MixerMurmurFinalizer, PolicyStateless, true},
	SchemeStatelessPoissonBernoulli: {"STATELESS_POISSON_BERNOULLI", AlgorithmPoissonBernoulli, MixerXorShift, PolicyStateless, true},
	SchemeHeaderHash:                {"HEADER_HASH", AlgorithmAddressHash, MixerXorShift, PolicyAllHeaders, true},
	SchemeHeaderPageHash:            {"HEADER_PAGE_HASH", AlgorithmPageHash, MixerXorShift, PolicyAllHeaders, true},
	SchemeHeaderPoissonBytes:        {"HEADER_POISSON_BYTES", AlgorithmPoissonBytes, MixerXorShift, PolicyAllHeaders, true},
	SchemeHeaderHybrid:              {"HEADER_HYBRID", AlgorithmHybrid, MixerXorShift, PolicyAllHeaders, true},
	SchemeSampleHeadersPoissonMap:   {"SAMPLE_HEADERS_POISSON_MAP", AlgorithmPoissonBytes, MixerXorShift, PolicySampleHeaders, true},
	SchemeSampleHeadersHashMap:      {"SAMPLE_HEADERS_HASH_MAP", AlgorithmAddressHash, MixerXorShift, PolicySampleHeaders, false},
	SchemeSampleHeadersEbpfInspired: {"SAMPLE_HEADERS_EBPF_INSPIRED", AlgorithmPageHash, MixerXorShift, PolicySampleHeaders, false},
}

var schemeByName = func() map[string]Scheme {
	m := make(map[string]Scheme, len(schemeTable))
	for id, t := range schemeTable {
		m[t.name] = id
	}
	return m
}()

func (s Scheme) String() string {
	if t, ok := schemeTable[s]; ok {
		return t.name
	}
	return "NONE"
}

func (s Scheme) traits() schemeTraits {
	if t, ok := schemeTable[s]; ok {
		return t
	}
	return schemeTable[SchemeNone]
}

// Config is the one-shot, immutable-after-init process configuration
// described in spec section 3. It is populated once, by Load, from the
// environment and (optionally) a TOML file that the environment itself
// names.
type Config struct {
	Scheme           Scheme
	Algorithm        Algorithm
	Mixer            Mixer
	Policy           Policy
	HashMask         uint64
	PoissonMeanBytes uint64
	HybridThreshold  uint64
	DeadZoneWindow   uint64
	StatsFile        string
	IndexCapacity    int
	DebugMemsize     bool
	EventTrace       bool
}

// DefaultConfig matches every default named in spec section 6 and the
// additive knobs in SPEC_FULL's external-interfaces expansion.
func DefaultConfig() Config {
	return Config{
		Scheme:           SchemeNone,
		Algorithm:        AlgorithmNone,
		Mixer:            MixerXorShift,
		Policy:           PolicyStateless,
		HashMask:         0xFF,
		PoissonMeanBytes: 4096,
		HybridThreshold:  256,
		DeadZoneWindow:   100000,
		StatsFile:        "",
		IndexCapacity:    1 << 20,
		DebugMemsize:     false,
		EventTrace:       false,
	}
}

// fileOverrides mirrors the subset of Config that may come from
// SAMPLER_CONFIG_FILE. It exists separately from Config so a file that
// only sets two fields doesn't clobber the rest with zero values.
type fileOverrides struct {
	Scheme           string
	HashMask         string
	PoissonMeanBytes *uint64
	HybridThreshold  *uint64
	DeadZoneWindow   *uint64
	StatsFile        *string
	LivenessPolicy   string
	IndexCapacity    *int
}

// Load parses the environment exactly once (the caller is responsible
// for the "exactly once" part; cmd/libsampler's ensureReady claim
// guarantees it) and
// returns the resulting Config. Unrecognized SAMPLER_SCHEME values
// select NONE, per spec section 6. Values are parsed permissively:
// SAMPLER_HASH_MASK accepts base-prefixed integers (0x.., 0.., decimal).
func Load(environ func(string) (string, bool)) Config {
	cfg := DefaultConfig()

	if path, ok := environ("SAMPLER_CONFIG_FILE"); ok && path != "" {
		applyFileOverrides(&cfg, path)
	}

	if v, ok := environ("SAMPLER_SCHEME"); ok {
		cfg.setScheme(v)
	}
	if v, ok := environ("SAMPLER_STATS_FILE"); ok {
		cfg.StatsFile = v
	}
	if v, ok := environ("SAMPLER_HASH_MASK"); ok {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			cfg.HashMask = n
		}
	}
	if v, ok := environ("SAMPLER_POISSON_MEAN_BYTES"); ok {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil && n > 0 {
			cfg.PoissonMeanBytes = n
		}
	}
	if v, ok := environ("SAMPLER_LIVENESS_POLICY"); ok {
		cfg.setPolicyOverride(v)
	}
	if v, ok := environ("SAMPLER_INDEX_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IndexCapacity = n
		}
	}
	if v, ok := environ("SAMPLER_DEAD_ZONE_WINDOW"); ok {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil && n > 0 {
			cfg.DeadZoneWindow = n
		}
	}
	cfg.DebugMemsize = boolEnv(environ, "SAMPLER_DEBUG_MEMSIZE")
	cfg.EventTrace = boolEnv(environ, "SAMPLER_EVENT_TRACE")

	return cfg
}

func boolEnv(environ func(string) (string, bool), name string) bool {
	v, ok := environ(name)
	return ok && v == "1"
}

// OSEnviron adapts os.LookupEnv to the environ lookup function Load
// expects, keeping Load itself free of any direct os dependency so it
// can be exercised with a fake environment in tests.
func OSEnviron(name string) (string, bool) { return os.LookupEnv(name) }

func (c *Config) setScheme(name string) {
	id, ok := schemeByName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		id = SchemeNone
	}
	t := id.traits()
	c.Scheme = id
	c.Algorithm = t.algorithm
	c.Mixer = t.mixer
	c.Policy = t.policy
}

func (c *Config) setPolicyOverride(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ALL_HEADERS":
		c.Policy = PolicyAllHeaders
	case "SAMPLE_HEADERS":
		c.Policy = PolicySampleHeaders
	case "STATELESS":
		c.Policy = PolicyStateless
	}
}

func applyFileOverrides(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logFallback("sampler config file unreadable, ignoring", "path", path, "err", err)
		return
	}
	var fo fileOverrides
	if err := toml.Unmarshal(data, &fo); err != nil {
		logFallback("sampler config file malformed, ignoring", "path", path, "err", err)
		return
	}
	if fo.Scheme != "" {
		cfg.setScheme(fo.Scheme)
	}
	if fo.HashMask != "" {
		if n, err := strconv.ParseUint(fo.HashMask, 0, 64); err == nil {
			cfg.HashMask = n
		}
	}
	if fo.PoissonMeanBytes != nil {
		cfg.PoissonMeanBytes = *fo.PoissonMeanBytes
	}
	if fo.HybridThreshold != nil {
		cfg.HybridThreshold = *fo.HybridThreshold
	}
	if fo.DeadZoneWindow != nil {
		cfg.DeadZoneWindow = *fo.DeadZoneWindow
	}
	if fo.StatsFile != nil {
		cfg.StatsFile = *fo.StatsFile
	}
	if fo.LivenessPolicy != "" {
		cfg.setPolicyOverride(fo.LivenessPolicy)
	}
	if fo.IndexCapacity != nil && *fo.IndexCapacity > 0 {
		cfg.IndexCapacity = *fo.IndexCapacity
	}
}
