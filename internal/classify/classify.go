// Package classify assigns block-access latencies to one of three cache
// tiers: engine buffer cache, OS page cache, or physical disk. The
// OS-cache/disk split is a timing heuristic keyed on a configurable
// threshold, not ground-truth kernel instrumentation.
package classify

import "fmt"

// Tier identifies where a block read was satisfied.
type Tier int

const (
	EngineCacheHit Tier = iota // buffer hit, no syscall
	OsCacheHit                 // syscall returned faster than the threshold
	DiskRead                   // syscall slower than the threshold
)

// String returns the tier name used in trace output.
func (t Tier) String() string {
	switch t {
	case EngineCacheHit:
		return "engine cache hit"
	case OsCacheHit:
		return "os cache hit"
	case DiskRead:
		return "disk read"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Sample is one block access with its raw latency. CacheHit means the
// engine satisfied the access from its own buffers with no system call.
type Sample struct {
	Block     uint64
	LatencyUS float64
	CacheHit  bool
}

// Result aggregates per-tier counts and latencies for one statement.
type Result struct {
	EngineHits  int64
	OsCacheHits int64
	DiskReads   int64

	OsCacheTimeUS float64
	DiskTimeUS    float64

	// Estimated is set when the split came from estimation mode rather
	// than per-access samples.
	Estimated bool
}

// TotalBlocks returns the total number of classified accesses.
func (r Result) TotalBlocks() int64 {
	return r.EngineHits + r.OsCacheHits + r.DiskReads
}

// AvgOsCacheUS returns the average OS-cache latency and whether it is
// defined (count > 0).
func (r Result) AvgOsCacheUS() (float64, bool) {
	if r.OsCacheHits == 0 {
		return 0, false
	}
	return r.OsCacheTimeUS / float64(r.OsCacheHits), true
}

// AvgDiskUS returns the average disk latency and whether it is defined.
func (r Result) AvgDiskUS() (float64, bool) {
	if r.DiskReads == 0 {
		return 0, false
	}
	return r.DiskTimeUS / float64(r.DiskReads), true
}

// ClassifyOne applies the tier rule to a single sample.
func ClassifyOne(s Sample, thresholdUS float64) Tier {
	if s.CacheHit {
		return EngineCacheHit
	}
	if s.LatencyUS < thresholdUS {
		return OsCacheHit
	}
	return DiskRead
}

// Classify runs the per-access rule over an ordered sample sequence and
// aggregates counts and latencies per tier. Engine cache hits contribute
// zero I/O time regardless of their recorded latency.
func Classify(samples []Sample, thresholdUS float64) Result {
	var r Result
	for _, s := range samples {
		switch ClassifyOne(s, thresholdUS) {
		case EngineCacheHit:
			r.EngineHits++
		case OsCacheHit:
			r.OsCacheHits++
			r.OsCacheTimeUS += s.LatencyUS
		case DiskRead:
			r.DiskReads++
			r.DiskTimeUS += s.LatencyUS
		}
	}
	return r
}

// Estimate splits an aggregate read count between the OS-cache and disk
// tiers when no per-access latencies are available. Below the threshold
// the whole count is attributed to the OS cache; above it the count is
// split by how far the average exceeds the threshold:
//
//	ratio = (avg − threshold/2) / (avg + threshold/2), clamped to [0,1]
//
// The result is a heuristic approximation and is marked Estimated.
func Estimate(readCount int64, totalIOTimeUS, thresholdUS float64) Result {
	r := Result{Estimated: true}
	if readCount <= 0 {
		return r
	}

	avgUS := totalIOTimeUS / float64(readCount)
	if avgUS < thresholdUS {
		r.OsCacheHits = readCount
		r.OsCacheTimeUS = totalIOTimeUS
		return r
	}

	ratio := (avgUS - thresholdUS/2) / (avgUS + thresholdUS/2)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	r.DiskReads = int64(float64(readCount) * ratio)
	r.OsCacheHits = readCount - r.DiskReads
	// Apportion the aggregate time by the same ratio.
	r.DiskTimeUS = totalIOTimeUS * ratio
	r.OsCacheTimeUS = totalIOTimeUS - r.DiskTimeUS
	return r
}

// VerifyAgainstOS cross-checks the estimated disk-tier block count
// against the OS-level physical-read byte counter. It returns an
// annotation for the trace output; it never corrects the estimate.
func VerifyAgainstOS(r Result, blockSize int64, osReadBytes uint64) string {
	if blockSize <= 0 {
		return ""
	}
	osBlocks := int64(osReadBytes) / blockSize
	switch {
	case osBlocks == r.DiskReads:
		return fmt.Sprintf("os counter confirms %d physical blocks", osBlocks)
	case osBlocks < r.DiskReads:
		return fmt.Sprintf("os counter saw %d physical blocks (< %d estimated); some disk reads were likely os cache",
			osBlocks, r.DiskReads)
	default:
		return fmt.Sprintf("os counter saw %d physical blocks (> %d estimated); reads outside tracked accesses",
			osBlocks, r.DiskReads)
	}
}

// Merge accumulates other into r, preserving the Estimated marker if
// either side is estimated.
func (r *Result) Merge(other Result) {
	r.EngineHits += other.EngineHits
	r.OsCacheHits += other.OsCacheHits
	r.DiskReads += other.DiskReads
	r.OsCacheTimeUS += other.OsCacheTimeUS
	r.DiskTimeUS += other.DiskTimeUS
	r.Estimated = r.Estimated || other.Estimated
}
