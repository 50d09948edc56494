package sampler

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-stack/stack"
)

// logFallback records a recoverable degradation (spec section 7's
// "fall back to X, do not abort" failure kind) through the teacher's
// own structured logger rather than a bare fmt.Fprintln, keeping the
// wrapper's diagnostic output consistent whether it comes from config
// parsing or from writing the stats file.
func logFallback(msg string, ctx ...interface{}) {
	log.Warn(msg, ctx...)
}

// logInit reports successful one-shot initialization. Called once, by
// the caller that won the init claim, after the real symbols are
// resolved and the environment parsed.
func logInit(cfg Config) {
	log.Info("allocsampler initialized",
		"scheme", cfg.Scheme.String(),
		"policy", policyName(cfg.Policy),
		"hash_mask", fmt.Sprintf("0x%x", cfg.HashMask),
		"poisson_mean_bytes", cfg.PoissonMeanBytes,
	)
}

// FatalSymbolResolution is the one unrecoverable failure kind spec
// section 7 names: the real allocator entry points could not be
// resolved. There is no safe degraded mode, so this writes a diagnostic
// with a caller frame (via go-stack/stack, the same dependency the
// teacher's logging stack pulls in) to stderr and aborts the process.
func FatalSymbolResolution(symbol string, err error) {
	frame := stack.Caller(1)
	fmt.Fprintf(os.Stderr, "allocsampler: fatal: cannot resolve %q: %v (at %+v)\n", symbol, err, frame)
	os.Exit(2)
}

func policyName(p Policy) string {
	switch p {
	case PolicyAllHeaders:
		return "all_headers"
	case PolicySampleHeaders:
		return "sample_headers"
	default:
		return "stateless"
	}
}
