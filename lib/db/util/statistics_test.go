package util

import (
	"math"
	"sync"
	"testing"
)

// TestNewStats checks mean, min, max and deviation of a small sample
func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if s.Mean != 5 {
		t.Errorf("Expected mean 5, got %f", s.Mean)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("Expected min/max 2/9, got %f/%f", s.Min, s.Max)
	}
	if math.Abs(s.StdDeviation-2) > 1e-9 {
		t.Errorf("Expected std deviation 2, got %f", s.StdDeviation)
	}

	if empty := NewStats(nil); empty != (Stats{}) {
		t.Errorf("Expected zero stats for empty input, got %+v", empty)
	}
}

// TestDistributionQuality compares an even and a skewed distribution
func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{3, 3, 3, 3})
	if even.DistributionQuality != 1 {
		t.Errorf("Expected quality 1 for an even distribution, got %f", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{0, 0, 0, 12})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed distribution rated %f, even %f", skewed.DistributionQuality, even.DistributionQuality)
	}
}

// TestSizeHistogram checks counters and estimators
func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()

	if h.MedianEstimate() != 0 {
		t.Errorf("Expected median 0 for an empty histogram")
	}

	for i := 0; i < 90; i++ {
		h.AddSample(100) // bucket (64,128]
	}
	for i := 0; i < 10; i++ {
		h.AddSample(5000) // bucket (4096,8192]
	}

	if h.GetCount() != 100 {
		t.Errorf("Expected 100 samples, got %d", h.GetCount())
	}
	if h.AverageSize() != (90*100+10*5000)/100 {
		t.Errorf("Unexpected average %d", h.AverageSize())
	}
	if m := h.MedianEstimate(); m != 96 {
		t.Errorf("Expected median estimate 96, got %d", m)
	}
	if p := h.GetPercentileEstimate(99); p != 6144 {
		t.Errorf("Expected p99 estimate 6144, got %d", p)
	}

	bounds, pct := h.SizeDistribution()
	if len(bounds) != 2 || bounds[0] != 128 || bounds[1] != 8192 {
		t.Errorf("Unexpected bounds %v", bounds)
	}
	if pct[0] != 90 || pct[1] != 10 {
		t.Errorf("Unexpected percentages %v", pct)
	}

	h.Reset()
	if h.GetCount() != 0 || h.Sum() != 0 {
		t.Errorf("Reset did not clear the histogram")
	}
}

// TestSizeHistogramConcurrent adds samples from several goroutines
func TestSizeHistogramConcurrent(t *testing.T) {
	h := NewSizeHistogram()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				h.AddSample(i)
			}
		}()
	}
	wg.Wait()

	if h.GetCount() != 8000 {
		t.Errorf("Expected 8000 samples, got %d", h.GetCount())
	}
}
