package sampler

import (
	"encoding/json"
	"os"
	"sync"
)

// TraceEvent is one line of the optional SAMPLER_EVENT_TRACE output:
// a JSON-encoded record per sampled allocation or free, meant to be
// tailed by an external consumer such as cmd/sampler-watch.
type TraceEvent struct {
	Kind   string `json:"kind"` // "alloc" or "free"
	Bytes  uint64 `json:"bytes"`
	Weight uint64 `json:"weight,omitempty"`
}

var traceMu sync.Mutex

// emitTraceLine writes one compact JSON line to stdout per sampled
// event. Encoding errors are impossible for this fixed struct shape, so
// they're ignored rather than routed through logFallback.
func emitTraceLine(kind string, n uint64, weight uint64) {
	data, _ := json.Marshal(TraceEvent{Kind: kind, Bytes: n, Weight: weight})
	traceMu.Lock()
	os.Stdout.Write(data)
	os.Stdout.Write([]byte{'\n'})
	traceMu.Unlock()
}
