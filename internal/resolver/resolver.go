// Package resolver turns track queries into playable source URLs through a
// fixed fallback chain: link cache, primary search, secondary search with
// relaxed duration matching, then an interactive manual override.
package resolver

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/monitoring"
	"github.com/tunesync/tunesync-go/internal/tool"
)

// Resolution source labels reported alongside every resolved URL
const (
	SourceCache     = "cache"
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
	SourceManual    = "manual"
)

// relaxedFloorMs is the minimum relaxed tolerance for the secondary
// closest-match fallback
const relaxedFloorMs = 45000

// Searcher finds candidate sources for a free-text query
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]tool.Candidate, error)
}

// ManualRequest asks the host process for a human-supplied URL. The host
// answers through Respond or declines through Cancel; the resolver gives up
// after its configured wait.
type ManualRequest struct {
	ID          int64
	Query       string
	DisplayName string
	response    chan string
}

// Respond supplies the URL the human chose
func (r *ManualRequest) Respond(url string) {
	select {
	case r.response <- url:
	default:
	}
}

// Cancel declines the request
func (r *ManualRequest) Cancel() {
	select {
	case r.response <- "":
	default:
	}
}

// Resolution is a resolved source URL tagged with which chain step found it
type Resolution struct {
	URL    string
	Source string
}

// Config bounds the search and manual-override steps
type Config struct {
	PrimaryResultLimit   int
	SecondaryResultLimit int
	DurationToleranceMs  int64
	ManualWait           time.Duration
}

// DefaultConfig returns the resolver bounds used when none are configured
func DefaultConfig() Config {
	return Config{
		PrimaryResultLimit:   5,
		SecondaryResultLimit: 10,
		DurationToleranceMs:  20000,
		ManualWait:           2 * time.Minute,
	}
}

// Resolver resolves queries to source URLs, writing every cache-miss success
// back through the link cache immediately.
type Resolver struct {
	linkCache *cache.LinkCache
	primary   Searcher
	secondary Searcher
	requests  chan<- *ManualRequest
	config    Config
	logger    *zap.Logger
	requestID atomic.Int64
}

// NewResolver builds a resolver. requests may be nil when the host offers no
// manual override channel; that step is then skipped.
func NewResolver(linkCache *cache.LinkCache, primary, secondary Searcher, requests chan<- *ManualRequest, config Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		linkCache: linkCache,
		primary:   primary,
		secondary: secondary,
		requests:  requests,
		config:    config,
		logger:    logger,
	}
}

// Resolve runs the fallback chain for one query. displayName is shown on
// manual-override requests; expectedDurationMs of zero or below disables
// duration filtering.
func (r *Resolver) Resolve(ctx context.Context, query, displayName string, expectedDurationMs int64) (*Resolution, error) {
	start := time.Now()

	if url, ok := r.linkCache.Get(query); ok {
		monitoring.RecordResolution("success", SourceCache, time.Since(start))
		return &Resolution{URL: url, Source: SourceCache}, nil
	}

	if url := r.tryPrimary(ctx, query, expectedDurationMs); url != "" {
		return r.record(query, url, SourcePrimary, start)
	}
	if ctx.Err() != nil {
		return nil, apperrors.NewCancelledError("resolve")
	}

	if url := r.trySecondary(ctx, query, expectedDurationMs); url != "" {
		return r.record(query, url, SourceSecondary, start)
	}
	if ctx.Err() != nil {
		return nil, apperrors.NewCancelledError("resolve")
	}

	if url := r.tryManual(ctx, query, displayName); url != "" {
		return r.record(query, url, SourceManual, start)
	}
	if ctx.Err() != nil {
		return nil, apperrors.NewCancelledError("resolve")
	}

	monitoring.RecordResolution("failure", "none", time.Since(start))
	return nil, apperrors.NewResolutionError(query)
}

func (r *Resolver) record(query, url, source string, start time.Time) (*Resolution, error) {
	if err := r.linkCache.Put(query, url); err != nil {
		r.logger.Warn("link cache write failed",
			zap.String("query", query),
			zap.Error(err))
	}
	monitoring.RecordResolution("success", source, time.Since(start))
	return &Resolution{URL: url, Source: source}, nil
}

func (r *Resolver) tryPrimary(ctx context.Context, query string, expectedMs int64) string {
	candidates, err := r.primary.Search(ctx, query, r.config.PrimaryResultLimit)
	if err != nil {
		r.logger.Debug("primary search failed", zap.String("query", query), zap.Error(err))
		return ""
	}
	if c := strictMatch(candidates, expectedMs, r.config.DurationToleranceMs); c != nil {
		return c.URL
	}
	return ""
}

// trySecondary relaxes matching in two further steps the primary search does
// not have: closest-duration within a widened tolerance, then the first
// result unconditionally.
func (r *Resolver) trySecondary(ctx context.Context, query string, expectedMs int64) string {
	candidates, err := r.secondary.Search(ctx, query, r.config.SecondaryResultLimit)
	if err != nil {
		r.logger.Debug("secondary search failed", zap.String("query", query), zap.Error(err))
		return ""
	}
	if len(candidates) == 0 {
		return ""
	}

	if c := strictMatch(candidates, expectedMs, r.config.DurationToleranceMs); c != nil {
		return c.URL
	}

	relaxed := 2 * r.config.DurationToleranceMs
	if relaxed < relaxedFloorMs {
		relaxed = relaxedFloorMs
	}
	if c := closestMatch(candidates, expectedMs, relaxed); c != nil {
		return c.URL
	}

	return candidates[0].URL
}

func (r *Resolver) tryManual(ctx context.Context, query, displayName string) string {
	if r.requests == nil {
		return ""
	}

	req := &ManualRequest{
		ID:          r.requestID.Add(1),
		Query:       query,
		DisplayName: displayName,
		response:    make(chan string, 1),
	}

	select {
	case r.requests <- req:
	case <-ctx.Done():
		return ""
	}

	timer := time.NewTimer(r.config.ManualWait)
	defer timer.Stop()

	select {
	case url := <-req.response:
		return url
	case <-timer.C:
		r.logger.Info("manual link request timed out", zap.Int64("request_id", req.ID))
		return ""
	case <-ctx.Done():
		return ""
	}
}

// strictMatch returns the first candidate within toleranceMs of expectedMs.
// A non-positive expected duration matches any candidate.
func strictMatch(candidates []tool.Candidate, expectedMs, toleranceMs int64) *tool.Candidate {
	for i := range candidates {
		if expectedMs <= 0 {
			return &candidates[i]
		}
		if abs64(candidates[i].DurationMs-expectedMs) <= toleranceMs {
			return &candidates[i]
		}
	}
	return nil
}

// closestMatch returns the candidate nearest expectedMs if within toleranceMs
func closestMatch(candidates []tool.Candidate, expectedMs, toleranceMs int64) *tool.Candidate {
	if expectedMs <= 0 {
		return nil
	}
	var best *tool.Candidate
	var bestDelta int64
	for i := range candidates {
		delta := abs64(candidates[i].DurationMs - expectedMs)
		if delta > toleranceMs {
			continue
		}
		if best == nil || delta < bestDelta {
			best = &candidates[i]
			bestDelta = delta
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
