// Package sampler implements the allocation-sampling decision engine,
// liveness-tracking policies, and process-wide statistics that sit
// behind the malloc/calloc/realloc/free wrappers cmd/libsampler
// exports. It has no cgo dependency of its own, so it is fully
// unit-testable against the RealAllocator fake in this package's tests.
package sampler
