package sampler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fjl/memsize"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// SizeBinSummary is one row of the size-bin histogram in the JSON
// summary (spec section 4.4).
type SizeBinSummary struct {
	Range   string `json:"range"`
	Total   uint64 `json:"total"`
	Sampled uint64 `json:"sampled"`
}

// PageCoverageSummary is the optional page-coverage object, present
// only when the active scheme is a page-hash variant.
type PageCoverageSummary struct {
	ApproxUniquePages  int `json:"approx_unique_pages"`
	ApproxSampledPages int `json:"approx_sampled_pages"`
}

// IndexMetricsSummary is the optional index-metrics object, present
// only under the sample-headers policy.
type IndexMetricsSummary struct {
	Inserts     uint64 `json:"inserts"`
	Deletes     uint64 `json:"deletes"`
	Evictions   uint64 `json:"evictions"`
	CurrentSize uint64 `json:"current_size"`
	PeakSize    uint64 `json:"peak_size"`
	Capacity    int    `json:"capacity"`
}

// Summary is the stable JSON document spec section 4.4 and section 6
// describe. Consumers must tolerate additive fields; RunID,
// ApproxSelfBytes, ProcessRSSBytes and ProcessVMSBytes are exactly such
// additions from SPEC_FULL's ambient/domain stack expansion.
type Summary struct {
	RunID  string `json:"run_id"`
	PID    int    `json:"pid"`
	Scheme string `json:"scheme"`
	Policy string `json:"policy"`

	Parameters struct {
		HashMask         string `json:"hash_mask"`
		PoissonMeanBytes uint64 `json:"poisson_mean_bytes"`
		HybridThreshold  uint64 `json:"hybrid_threshold_bytes"`
		DeadZoneWindow   uint64 `json:"dead_zone_window"`
		HeaderSizeBytes  *int   `json:"header_size_bytes,omitempty"`
	} `json:"parameters"`

	TotalAllocs     uint64 `json:"total_allocs"`
	TotalFrees      uint64 `json:"total_frees"`
	TotalBytesAlloc uint64 `json:"total_bytes_alloc"`
	TotalBytesFreed uint64 `json:"total_bytes_freed"`

	SampledAllocs     uint64 `json:"sampled_allocs"`
	SampledFrees      uint64 `json:"sampled_frees"`
	SampledBytesAlloc uint64 `json:"sampled_bytes_alloc"`
	SampledLiveEst    uint64 `json:"sampled_live_estimate"`

	SampleRateAllocs float64 `json:"sample_rate_allocs"`
	SampleRateBytes  float64 `json:"sample_rate_bytes"`

	WindowsTotal       uint64 `json:"windows_total"`
	WindowsZeroSampled uint64 `json:"windows_zero_sampled"`

	SizeBins []SizeBinSummary `json:"size_bins"`

	PageCoverage *PageCoverageSummary `json:"page_coverage,omitempty"`
	IndexMetrics *IndexMetricsSummary `json:"index_metrics,omitempty"`

	ApproxSelfBytes  *uint64 `json:"approx_self_bytes,omitempty"`
	ProcessRSSBytes  *uint64 `json:"process_rss_bytes,omitempty"`
	ProcessVMSBytes  *uint64 `json:"process_vms_bytes,omitempty"`
}

// BuildSummary assembles the stable JSON document from the live Stats
// block, config, and (for sample-headers) the pointer index. cfg and
// idx may describe a policy that doesn't use one or the other; the
// corresponding optional section is simply omitted.
func BuildSummary(cfg Config, stats *Stats, idx *Index, runID uuid.UUID) Summary {
	var sum Summary
	sum.RunID = runID.String()
	sum.PID = os.Getpid()
	sum.Scheme = cfg.Scheme.String()
	sum.Policy = policyName(cfg.Policy)

	sum.Parameters.HashMask = fmt.Sprintf("0x%x", cfg.HashMask)
	sum.Parameters.PoissonMeanBytes = cfg.PoissonMeanBytes
	sum.Parameters.HybridThreshold = cfg.HybridThreshold
	sum.Parameters.DeadZoneWindow = cfg.DeadZoneWindow
	if cfg.Policy != PolicyStateless {
		hs := int(HeaderSize)
		sum.Parameters.HeaderSizeBytes = &hs
	}

	sum.TotalAllocs = stats.totalAllocs.Load()
	sum.TotalFrees = stats.totalFrees.Load()
	sum.TotalBytesAlloc = stats.totalBytesAlloc.Load()
	sum.TotalBytesFreed = stats.totalBytesFreed.Load()

	sum.SampledAllocs = stats.sampledAllocs.Load()
	sum.SampledFrees = stats.sampledFrees.Load()
	sum.SampledBytesAlloc = stats.sampledBytesAlloc.Load()
	if sum.SampledAllocs > sum.SampledFrees {
		sum.SampledLiveEst = sum.SampledAllocs - sum.SampledFrees
	}

	if sum.TotalAllocs > 0 {
		sum.SampleRateAllocs = float64(sum.SampledAllocs) / float64(sum.TotalAllocs)
	}
	if sum.TotalBytesAlloc > 0 {
		sum.SampleRateBytes = float64(sum.SampledBytesAlloc) / float64(sum.TotalBytesAlloc)
	}

	sum.WindowsTotal = stats.windowsTotal.Load()
	sum.WindowsZeroSampled = stats.windowsZeroCount.Load()

	sum.SizeBins = make([]SizeBinSummary, len(sizeBinLabels))
	for i, label := range sizeBinLabels {
		sum.SizeBins[i] = SizeBinSummary{
			Range:   label,
			Total:   stats.bins[i].total.Load(),
			Sampled: stats.bins[i].sampled.Load(),
		}
	}

	if stats.pageCoverage != nil {
		unique, sampledPages := stats.pageCoverage.snapshot()
		sum.PageCoverage = &PageCoverageSummary{
			ApproxUniquePages:  unique,
			ApproxSampledPages: sampledPages,
		}
	}

	if idx != nil {
		sum.IndexMetrics = &IndexMetricsSummary{
			Inserts:     stats.indexInserts.Load(),
			Deletes:     stats.indexDeletes.Load(),
			Evictions:   stats.indexEvictions.Load(),
			CurrentSize: uint64(idx.Len()),
			PeakSize:    stats.indexPeakSize.Load(),
			Capacity:    cfg.IndexCapacity,
		}
	}

	if cfg.DebugMemsize {
		sizes := memsize.Scan(struct {
			Stats *Stats
			Index *Index
		}{stats, idx})
		b := sizes.Total
		sum.ApproxSelfBytes = &b
	}

	if rss, vms, ok := selfMemoryUsage(); ok {
		sum.ProcessRSSBytes = &rss
		sum.ProcessVMSBytes = &vms
	}

	return sum
}

// selfMemoryUsage reads the current process's RSS/VMS via gopsutil. It
// fails soft: callers treat a false ok as "omit the field", matching
// spec section 7's general policy that diagnostic enrichment never
// blocks the summary write.
func selfMemoryUsage() (rss, vms uint64, ok bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, false
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0, 0, false
	}
	return info.RSS, info.VMS, true
}

// WriteSummary serializes sum to cfg.StatsFile suffixed with the PID,
// or to stdout if StatsFile is empty or cannot be opened (spec section
// 7: "output file open failure — fall back to stdout; do not abort").
func WriteSummary(cfg Config, sum Summary) {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		logFallback("sampler summary marshal failed", "err", err)
		return
	}
	data = append(data, '\n')

	if cfg.StatsFile == "" {
		os.Stdout.Write(data)
		return
	}

	path := fmt.Sprintf("%s.%d", cfg.StatsFile, sum.PID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logFallback("sampler stats file open failed, writing to stdout", "path", path, "err", err)
		os.Stdout.Write(data)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		logFallback("sampler stats file write failed, writing to stdout", "path", path, "err", err)
		os.Stdout.Write(data)
	}
}

// NewRunID returns a fresh per-process run identifier.
func NewRunID() uuid.UUID {
	return uuid.New()
}
