package timing

import (
	"math"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStats(t *testing.T) *Stats {
	t.Helper()
	s, err := NewStats(filepath.Join(t.TempDir(), "timing.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStats failed: %v", err)
	}
	return s
}

func TestAverageUpdateRule(t *testing.T) {
	s := newTestStats(t)

	s.RecordItemFetch(1000)
	s.RecordItemFetch(2000)
	s.RecordItemFetch(3000)

	if s.ItemFetch.Count != 3 {
		t.Errorf("Expected 3 samples, got %d", s.ItemFetch.Count)
	}
	if math.Abs(s.ItemFetch.AverageMs-2000) > 0.001 {
		t.Errorf("Expected average 2000, got %f", s.ItemFetch.AverageMs)
	}
}

func TestStatsPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing.json")
	s, err := NewStats(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStats failed: %v", err)
	}
	s.RecordItemResolve(500)
	s.RecordBatchFetch(90000)

	s2, err := NewStats(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if s2.ItemResolve.Count != 1 || s2.ItemResolve.AverageMs != 500 {
		t.Errorf("Item resolve history lost: %+v", s2.ItemResolve)
	}
	if s2.BatchFetch.Count != 1 || s2.BatchFetch.AverageMs != 90000 {
		t.Errorf("Batch fetch history lost: %+v", s2.BatchFetch)
	}
}

func TestEstimatePhaseWeighting(t *testing.T) {
	s := newTestStats(t)

	// Both phases pending: 50/50 blend
	percent, _ := s.Estimate(
		PhaseProgress{AvgCompletion: 0.5, RemainingItems: 5},
		PhaseProgress{AvgCompletion: 0.1, RemainingItems: 9},
	)
	if math.Abs(percent-30) > 0.001 {
		t.Errorf("Expected 30%%, got %f", percent)
	}

	// Resolve exhausted: weighting degrades to fetch alone
	percent, _ = s.Estimate(
		PhaseProgress{AvgCompletion: 1, Exhausted: true},
		PhaseProgress{AvgCompletion: 0.6, RemainingItems: 4},
	)
	if math.Abs(percent-80) > 0.001 {
		t.Errorf("Expected 80%%, got %f", percent)
	}
}

func TestEstimateNoDataYieldsUnknownETA(t *testing.T) {
	s := newTestStats(t)

	_, eta := s.Estimate(
		PhaseProgress{AvgCompletion: 0, RemainingItems: 10},
		PhaseProgress{AvgCompletion: 0, RemainingItems: 10},
	)
	if eta != -1 {
		t.Errorf("Expected unknown ETA with no history, got %f", eta)
	}
}

func TestEstimateUsesLiveEstimateWithoutHistory(t *testing.T) {
	s := newTestStats(t)

	// First-ever run: no historical averages, one item mid-fetch reporting a
	// live per-item estimate of 10s
	_, eta := s.Estimate(
		PhaseProgress{AvgCompletion: 1, Exhausted: true},
		PhaseProgress{AvgCompletion: 0.5, RemainingItems: 2, LiveItemAvgMs: 10000},
	)
	if math.Abs(eta-20000) > 0.001 {
		t.Errorf("Expected live-estimate ETA 20000, got %f", eta)
	}
}

func TestEstimateBlendsItemAndBatchProjections(t *testing.T) {
	s := newTestStats(t)
	s.RecordItemFetch(10000) // per-item history: 10s
	s.RecordBatchFetch(60000) // batch history: 60s

	// 2 items remaining, half the batch done:
	// item projection = 2 x 10000 = 20000; batch projection = 60000 x 0.5 = 30000
	_, eta := s.Estimate(
		PhaseProgress{AvgCompletion: 1, Exhausted: true},
		PhaseProgress{AvgCompletion: 0.5, RemainingItems: 2},
	)
	if math.Abs(eta-25000) > 0.001 {
		t.Errorf("Expected blended ETA 25000, got %f", eta)
	}
}

func TestEstimateExhaustedPhaseContributesZero(t *testing.T) {
	s := newTestStats(t)
	s.RecordItemResolve(1000)
	s.RecordItemFetch(5000)

	_, eta := s.Estimate(
		PhaseProgress{AvgCompletion: 1, Exhausted: true},
		PhaseProgress{AvgCompletion: 0.75, RemainingItems: 1},
	)
	if math.Abs(eta-5000) > 0.001 {
		t.Errorf("Expected 5000 from fetch phase only, got %f", eta)
	}
}
