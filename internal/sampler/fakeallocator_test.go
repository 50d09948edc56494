package sampler

import (
	"sync"
	"unsafe"
)

// fakeAllocator is a cgo-free stand-in for RealAllocator, backed by
// ordinary Go slices. It exists purely so the decision/liveness/stats
// machinery in this package can be exercised without linking libc
// through cgo, which cmd/libsampler alone is responsible for.
type fakeAllocator struct {
	mu   sync.Mutex
	live map[uintptr][]byte
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{live: make(map[uintptr][]byte)}
}

func (f *fakeAllocator) Malloc(n uintptr) uintptr {
	size := n
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	p := uintptr(unsafe.Pointer(&buf[0]))
	f.mu.Lock()
	f.live[p] = buf
	f.mu.Unlock()
	return p
}

func (f *fakeAllocator) Calloc(nmemb, size uintptr) uintptr {
	// make([]byte, n) is already zero-filled, so Malloc's behavior
	// already satisfies calloc's contract here.
	return f.Malloc(nmemb * size)
}

func (f *fakeAllocator) Realloc(ptr uintptr, size uintptr) uintptr {
	if ptr == 0 {
		return f.Malloc(size)
	}
	f.mu.Lock()
	old, ok := f.live[ptr]
	f.mu.Unlock()

	newPtr := f.Malloc(size)
	if ok {
		f.mu.Lock()
		newBuf := f.live[newPtr]
		f.mu.Unlock()
		copy(newBuf, old)
	}
	f.Free(ptr)
	return newPtr
}

func (f *fakeAllocator) Free(ptr uintptr) {
	f.mu.Lock()
	delete(f.live, ptr)
	f.mu.Unlock()
}

func (f *fakeAllocator) UsableSize(ptr uintptr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uintptr(len(f.live[ptr]))
}

// pageRoundRobinAllocator is a RealAllocator test double that hands out
// addresses from a small fixed set, cycling through them in order,
// regardless of requested size. It exists for the page-hash high-reuse
// scenario, where the test needs to pin exactly which page number every
// allocation lands on rather than let the Go runtime's own placement
// decide it.
type pageRoundRobinAllocator struct {
	mu    sync.Mutex
	pages []uintptr
	next  int
	sizes map[uintptr]uintptr
}

func newPageRoundRobinAllocator(pages []uintptr) *pageRoundRobinAllocator {
	return &pageRoundRobinAllocator{pages: pages, sizes: make(map[uintptr]uintptr)}
}

func (a *pageRoundRobinAllocator) Malloc(n uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pages[a.next%len(a.pages)]
	a.next++
	a.sizes[p] = n
	return p
}

func (a *pageRoundRobinAllocator) Calloc(nmemb, size uintptr) uintptr {
	return a.Malloc(nmemb * size)
}

func (a *pageRoundRobinAllocator) Realloc(ptr, size uintptr) uintptr {
	return a.Malloc(size)
}

func (a *pageRoundRobinAllocator) Free(ptr uintptr) {
	a.mu.Lock()
	delete(a.sizes, ptr)
	a.mu.Unlock()
}

func (a *pageRoundRobinAllocator) UsableSize(ptr uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizes[ptr]
}
