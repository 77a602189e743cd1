package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Histogram counts observations into fixed buckets. Bucket bounds are
// inclusive upper limits; values above the last bound land in +Inf.
// Safe for concurrent use.
type Histogram struct {
	mu     sync.RWMutex
	bounds []float64
	counts []uint64 // len(bounds)+1, the last slot is +Inf
	sum    float64
	count  uint64
	min    float64
	max    float64
}

// NewHistogram creates a histogram over bounds, which need not be sorted.
func NewHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{
		bounds: b,
		counts: make([]uint64, len(b)+1),
		min:    math.Inf(1),
		max:    math.Inf(-1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.min = math.Min(h.min, v)
	h.max = math.Max(h.max, v)
	h.mu.Unlock()
}

// ObserveDuration records d expressed in unit, e.g. time.Millisecond.
func (h *Histogram) ObserveDuration(d, unit time.Duration) {
	h.Observe(float64(d) / float64(unit))
}

// HistogramSummary is a point-in-time copy of a histogram.
type HistogramSummary struct {
	Count   uint64        `json:"count"`
	Sum     float64       `json:"sum"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	Mean    float64       `json:"mean"`
	P50     float64       `json:"p50"`
	P90     float64       `json:"p90"`
	P99     float64       `json:"p99"`
	Buckets []BucketCount `json:"buckets"`
}

// BucketCount is one cumulative bucket.
type BucketCount struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Summary returns cumulative buckets and estimated quantiles.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return HistogramSummary{Buckets: []BucketCount{}}
	}

	buckets := make([]BucketCount, len(h.counts))
	var cumulative uint64
	for i, c := range h.counts {
		cumulative += c
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		buckets[i] = BucketCount{UpperBound: bound, Count: cumulative}
	}

	return HistogramSummary{
		Count:   h.count,
		Sum:     h.sum,
		Min:     h.min,
		Max:     h.max,
		Mean:    h.sum / float64(h.count),
		P50:     h.quantileLocked(0.5),
		P90:     h.quantileLocked(0.9),
		P99:     h.quantileLocked(0.99),
		Buckets: buckets,
	}
}

// Quantile estimates the q-th quantile (0 < q <= 1) by linear
// interpolation inside the bucket that holds it. It returns 0 when empty.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.quantileLocked(q)
}

func (h *Histogram) quantileLocked(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	rank := q * float64(h.count)
	var cumulative uint64
	for i, c := range h.counts {
		prev := cumulative
		cumulative += c
		if c == 0 || float64(cumulative) < rank {
			continue
		}
		if i >= len(h.bounds) {
			return h.max
		}
		lower := math.Max(h.min, 0)
		if i > 0 {
			lower = h.bounds[i-1]
		}
		upper := math.Min(h.bounds[i], h.max)
		if upper < lower {
			return upper
		}
		return lower + (rank-float64(prev))/float64(c)*(upper-lower)
	}
	return h.max
}

// Reset discards all observations.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.sum = 0
	h.count = 0
	h.min = math.Inf(1)
	h.max = math.Inf(-1)
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Mean returns the arithmetic mean, or 0 when empty.
func (h *Histogram) Mean() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}
