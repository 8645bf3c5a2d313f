// Package util
//
// This file implements summary statistics and a size histogram.
//
// NewDistributionStats rates how evenly values spread over a set of containers,
// the hash index uses it to report the fill of its buckets. SizeHistogram tracks
// the size of appended log records. Samples are recorded with atomic counters
// only, so the histogram can sit on the write path of every session.
package util

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes the standard deviation, minimum, and maximum values
// from an array of float64 values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	// initialize min and max with the first value
	min := values[0]
	max := values[0]

	// calculate sum for mean
	var sum float64
	for _, v := range values {
		sum += v

		// update min and max while iterating
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	// calculate mean
	mean := sum / float64(len(values))

	// calculate sum of squared differences from mean
	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	// calculate standard deviation (population formula)
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(values)))

	// calculate min/max ratio
	var minMaxRatio float64 = 1.0
	if max > 0 {
		minMaxRatio = min / max
	}

	return Stats{
		StdDeviation: stdDev,
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for value distribution.
// A quality of 1 means all containers hold the same number of values.
func NewDistributionStats(sizes []float64) DistributionStats {
	stats := NewStats(sizes)

	// calculate coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// distribution quality combines CV and min/max ratio
	// -> lower CV and higher min/max ratio indicate better distribution
	distributionQuality := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: distributionQuality,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// histogramBuckets is the number of power-of-two buckets, bucket i counts sizes in
// (2^(i-1), 2^i]; the last bucket collects everything larger.
const histogramBuckets = 33

// SizeHistogram tracks the distribution of data sizes in power-of-two buckets.
// The zero value is not usable, use NewSizeHistogram.
type SizeHistogram struct {
	buckets [histogramBuckets]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates a new empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// bucketOf returns the bucket index of a size
func bucketOf(size int) int {
	if size <= 1 {
		return 0
	}
	idx := bits.Len64(uint64(size - 1))
	if idx >= histogramBuckets {
		return histogramBuckets - 1
	}
	return idx
}

// upperBound returns the largest size of bucket i
func upperBound(i int) int {
	return 1 << i
}

// AddSample adds a size sample to the histogram
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	h.buckets[bucketOf(size)].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// GetCount returns the total number of samples
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) GetCount() int64 {
	return h.count.Load()
}

// Sum returns the sum of all samples
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) Sum() int64 {
	return h.sum.Load()
}

// AverageSize returns the average size across all samples
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) AverageSize() int {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	return int(h.sum.Load() / count)
}

// MedianEstimate estimates the median size based on the histogram
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) MedianEstimate() int {
	return h.GetPercentileEstimate(50)
}

// GetPercentileEstimate returns an estimate for the given percentile (0-100).
// The estimate is the middle of the bucket that contains the percentile.
//
// Thread-safety: This method is safe for concurrent use, concurrent samples may
// or may not be included.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	count := h.count.Load()
	if count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(count) * float64(percentile) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			if i == 0 {
				return 1
			}
			return (upperBound(i-1) + upperBound(i)) / 2
		}
	}

	// samples raced with the count, fall back to the mean
	return h.AverageSize()
}

// Reset clears all histogram data
//
// Thread-safety: This method is safe for concurrent use, samples added while
// resetting may survive the reset.
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}

// SizeDistribution returns the distribution of samples across buckets.
// Returns the upper bound of every non empty bucket and the percentage of samples in it.
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) SizeDistribution() ([]int, []float64) {
	count := h.count.Load()
	var bounds []int
	var percentages []float64
	if count == 0 {
		return bounds, percentages
	}
	for i := range h.buckets {
		n := h.buckets[i].Load()
		if n == 0 {
			continue
		}
		bounds = append(bounds, upperBound(i))
		percentages = append(percentages, float64(n)*100.0/float64(count))
	}
	return bounds, percentages
}
