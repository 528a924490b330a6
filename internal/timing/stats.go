// Package timing maintains running duration averages for the resolve and
// fetch phases and blends them into batch ETA estimates. Averages are updated
// only from successful work and persisted after every update so repeat runs
// start with usable history.
package timing

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
)

const schemaVersion = 1

// Average is one sample-count/running-average pair. The update rule weights
// each new sample by 1/(n+1) so early samples dominate until history builds.
type Average struct {
	Count     int64   `json:"count"`
	AverageMs float64 `json:"average_ms"`
}

func (a *Average) record(sampleMs float64) {
	a.AverageMs = (a.AverageMs*float64(a.Count) + sampleMs) / float64(a.Count+1)
	a.Count++
}

// Stats holds the four tracked averages: per-item and per-batch durations for
// each pipeline phase.
type Stats struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex

	ItemResolve  Average `json:"item_resolve"`
	BatchResolve Average `json:"batch_resolve"`
	ItemFetch    Average `json:"item_fetch"`
	BatchFetch   Average `json:"batch_fetch"`
}

type statsFile struct {
	Version      int     `json:"version"`
	ItemResolve  Average `json:"item_resolve"`
	BatchResolve Average `json:"batch_resolve"`
	ItemFetch    Average `json:"item_fetch"`
	BatchFetch   Average `json:"batch_fetch"`
}

// NewStats loads persisted timing history from path, starting empty when the
// file is missing or unreadable.
func NewStats(path string, logger *zap.Logger) (*Stats, error) {
	s := &Stats{path: path, logger: logger}

	var file statsFile
	err := cache.LoadJSON(path, &file)
	switch {
	case err == nil:
		s.ItemResolve = file.ItemResolve
		s.BatchResolve = file.BatchResolve
		s.ItemFetch = file.ItemFetch
		s.BatchFetch = file.BatchFetch
	case os.IsNotExist(err):
		if err := s.flush(); err != nil {
			return nil, err
		}
	default:
		logger.Warn("timing stats unreadable, reinitializing", zap.Error(err))
		if err := s.flush(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RecordItemResolve folds in one successful resolve duration
func (s *Stats) RecordItemResolve(durationMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ItemResolve.record(durationMs)
	return s.flush()
}

// RecordBatchResolve folds in the total duration of one resolve phase
func (s *Stats) RecordBatchResolve(durationMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchResolve.record(durationMs)
	return s.flush()
}

// RecordItemFetch folds in one successful fetch duration
func (s *Stats) RecordItemFetch(durationMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ItemFetch.record(durationMs)
	return s.flush()
}

// RecordBatchFetch folds in the total duration of one fetch phase
func (s *Stats) RecordBatchFetch(durationMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchFetch.record(durationMs)
	return s.flush()
}

// PhaseProgress is a snapshot of one phase of an in-flight batch
type PhaseProgress struct {
	// AvgCompletion is the mean per-item completion fraction in [0, 1]
	AvgCompletion float64
	// RemainingItems is the fractional item count still outstanding
	RemainingItems float64
	// LiveItemAvgMs averages the in-flight per-item duration estimates
	// (elapsed / fraction-complete); zero when nothing is mid-item
	LiveItemAvgMs float64
	// Exhausted is set once every item has passed through the phase
	Exhausted bool
}

// Estimate blends the two phase snapshots into an overall completion
// percentage and a remaining-time estimate in milliseconds. ETA is -1 when no
// historical or live data supports an estimate yet.
func (s *Stats) Estimate(resolve, fetch PhaseProgress) (percent float64, etaMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resolve.Exhausted {
		percent = 50 + 50*fetch.AvgCompletion
	} else {
		percent = 50*resolve.AvgCompletion + 50*fetch.AvgCompletion
	}
	if percent > 100 {
		percent = 100
	}

	resolveRemaining, haveResolve := phaseRemaining(s.ItemResolve, s.BatchResolve, resolve)
	fetchRemaining, haveFetch := phaseRemaining(s.ItemFetch, s.BatchFetch, fetch)

	switch {
	case haveResolve && haveFetch:
		return percent, resolveRemaining + fetchRemaining
	case haveResolve:
		return percent, resolveRemaining
	case haveFetch:
		return percent, fetchRemaining
	default:
		return percent, -1
	}
}

// phaseRemaining blends the per-item projection (remaining items x effective
// average duration, falling back to live in-flight estimates when no history
// exists) with the per-batch projection (historical batch duration x
// remaining fraction), averaging the two when both are available.
func phaseRemaining(item, batch Average, p PhaseProgress) (float64, bool) {
	if p.Exhausted {
		return 0, true
	}

	perItemMs := item.AverageMs
	if item.Count == 0 {
		perItemMs = p.LiveItemAvgMs
	}

	var (
		itemProjection  float64
		batchProjection float64
		haveItem        bool
		haveBatch       bool
	)
	if perItemMs > 0 {
		itemProjection = p.RemainingItems * perItemMs
		haveItem = true
	}
	if batch.Count > 0 {
		batchProjection = batch.AverageMs * (1 - p.AvgCompletion)
		haveBatch = true
	}

	switch {
	case haveItem && haveBatch:
		return (itemProjection + batchProjection) / 2, true
	case haveItem:
		return itemProjection, true
	case haveBatch:
		return batchProjection, true
	default:
		return 0, false
	}
}

// flush persists the averages; callers hold the lock
func (s *Stats) flush() error {
	return cache.AtomicWriteJSON(s.path, statsFile{
		Version:      schemaVersion,
		ItemResolve:  s.ItemResolve,
		BatchResolve: s.BatchResolve,
		ItemFetch:    s.ItemFetch,
		BatchFetch:   s.BatchFetch,
	})
}
