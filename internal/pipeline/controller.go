package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/metadata"
	"github.com/tunesync/tunesync-go/internal/monitoring"
	"github.com/tunesync/tunesync-go/internal/resolver"
	"github.com/tunesync/tunesync-go/internal/timing"
	"github.com/tunesync/tunesync-go/internal/tool"
)

// Resolver is the resolve-phase dependency
type Resolver interface {
	Resolve(ctx context.Context, query, displayName string, expectedDurationMs int64) (*resolver.Resolution, error)
}

// Fetcher is the fetch-phase dependency
type Fetcher interface {
	Fetch(ctx context.Context, inst *tool.Instance, url, outDir, namePrefix string, onProgress func(tool.Progress)) (string, error)
}

// InstancePool hands out isolated tool instances
type InstancePool interface {
	Next() (*tool.Instance, error)
	Size() int
}

// HistoryRecorder receives every completed download for long-term history
type HistoryRecorder interface {
	RecordDownload(entry *cache.DownloadEntry) error
}

// Config bounds a batch run
type Config struct {
	// Concurrency is the resolve-phase worker count, capped by the pool size
	Concurrency int
	// OutputDir is the batch output root; item folder names nest under it
	OutputDir string
}

// Deps are the controller's collaborators. Registry, Index, History, Events,
// Tags and Artwork may be nil.
type Deps struct {
	Resolver Resolver
	Fetcher  Fetcher
	Pool     InstancePool
	Registry *tool.ProcessRegistry
	Stats    *timing.Stats
	Index    *cache.DownloadIndex
	History  HistoryRecorder
	Events   chan<- Event
	Tags     *metadata.Manager
	Artwork  *metadata.ArtworkFetcher
}

// Controller owns all mutable batch state: the queues, the per-item progress
// cells, and the live duration estimates. Worker goroutines receive it by
// reference and only ever write the cells of the item they currently hold.
type Controller struct {
	deps   Deps
	config Config
	logger *zap.Logger
}

// NewController builds a pipeline controller
func NewController(deps Deps, config Config, logger *zap.Logger) *Controller {
	return &Controller{deps: deps, config: config, logger: logger}
}

// batchState is the per-run progress bookkeeping. Progress cells hold
// fractions in [0, 1]; failed items are marked fully progressed so the batch
// total still converges to 100%.
type batchState struct {
	mu              sync.Mutex
	resolveProgress []float64
	fetchProgress   []float64
	liveFetchMs     []float64
	resolveDone     int
	fetchDone       int
	failures        []ItemFailure
	files           []string
	itemFiles       []string
}

func newBatchState(n int) *batchState {
	return &batchState{
		resolveProgress: make([]float64, n),
		fetchProgress:   make([]float64, n),
		liveFetchMs:     make([]float64, n),
		itemFiles:       make([]string, n),
	}
}

func (s *batchState) completeResolve(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveProgress[idx] = 1
	s.resolveDone++
}

func (s *batchState) updateFetch(idx int, fraction, liveMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fraction > s.fetchProgress[idx] {
		s.fetchProgress[idx] = fraction
	}
	s.liveFetchMs[idx] = liveMs
}

func (s *batchState) completeFetch(idx int, file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchProgress[idx] = 1
	s.liveFetchMs[idx] = 0
	s.fetchDone++
	if file != "" {
		s.files = append(s.files, file)
		s.itemFiles[idx] = file
	}
}

// fail marks an item failed. The item is recorded fully progressed through
// both phases for bookkeeping.
func (s *batchState) fail(idx int, name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveProgress[idx] < 1 {
		s.resolveProgress[idx] = 1
		s.resolveDone++
	}
	s.fetchProgress[idx] = 1
	s.liveFetchMs[idx] = 0
	s.fetchDone++
	s.failures = append(s.failures, ItemFailure{Index: idx, Name: name, Err: err})
}

func (s *batchState) snapshot() (resolve, fetch timing.PhaseProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := float64(len(s.resolveProgress))
	var resolveSum, fetchSum, liveSum float64
	liveCount := 0
	for i := range s.resolveProgress {
		resolveSum += s.resolveProgress[i]
		fetchSum += s.fetchProgress[i]
		if s.liveFetchMs[i] > 0 {
			liveSum += s.liveFetchMs[i]
			liveCount++
		}
	}

	resolve = timing.PhaseProgress{
		AvgCompletion:  resolveSum / n,
		RemainingItems: n - resolveSum,
		Exhausted:      s.resolveDone == len(s.resolveProgress),
	}
	fetch = timing.PhaseProgress{
		AvgCompletion:  fetchSum / n,
		RemainingItems: n - fetchSum,
		Exhausted:      s.fetchDone == len(s.fetchProgress),
	}
	if liveCount > 0 {
		fetch.LiveItemAvgMs = liveSum / float64(liveCount)
	}
	return resolve, fetch
}

func (s *batchState) result(cancelled bool) *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &BatchResult{
		Succeeded: len(s.files),
		Failed:    len(s.failures),
		Failures:  append([]ItemFailure(nil), s.failures...),
		Files:     append([]string(nil), s.files...),
		ItemFiles: append([]string(nil), s.itemFiles...),
		Cancelled: cancelled,
	}
}

// Run executes one batch. Item failures are aggregated into the result and
// never abort sibling work; only fatal errors (catalog auth) and cancellation
// stop the batch early.
func (c *Controller) Run(ctx context.Context, items []QueueItem) (*BatchResult, error) {
	if len(items) == 0 {
		return &BatchResult{}, nil
	}
	if c.deps.Pool.Size() == 0 {
		return nil, apperrors.NewValidationError("tool instance pool is empty")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := newBatchState(len(items))
	monitoring.UpdateQueueSize(len(items))
	defer monitoring.UpdateQueueSize(0)

	downloads, fatalErr := c.runResolvePhase(ctx, items, state)
	if fatalErr != nil {
		return nil, fatalErr
	}
	if ctx.Err() != nil {
		return c.cancelBatch(items, downloads, state), apperrors.NewCancelledError("batch")
	}

	c.runFetchPhase(ctx, items, downloads, state)
	if ctx.Err() != nil {
		return c.cancelBatch(items, downloads, state), apperrors.NewCancelledError("batch")
	}

	return state.result(false), nil
}

// runResolvePhase drains the item queue with bounded concurrency. A fatal
// resolver error cancels the whole batch; ordinary failures are recorded and
// the remaining items continue.
func (c *Controller) runResolvePhase(ctx context.Context, items []QueueItem, state *batchState) ([]*DownloadItem, error) {
	workers := c.config.Concurrency
	if poolSize := c.deps.Pool.Size(); workers > poolSize {
		workers = poolSize
	}
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	downloads := make([]*DownloadItem, len(items))
	start := time.Now()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				if cancelCtx.Err() != nil {
					return
				}
				item := items[idx]
				download, err := c.resolveItem(cancelCtx, idx, item)
				if err != nil {
					if apperrors.IsFatal(err) {
						fatalMu.Lock()
						if fatalErr == nil {
							fatalErr = err
						}
						fatalMu.Unlock()
						cancel()
						return
					}
					if cancelCtx.Err() != nil {
						return
					}
					state.fail(idx, item.DisplayName, err)
					c.emitBatch(PhaseResolve, idx, item.DisplayName, 100, state)
					continue
				}
				downloads[idx] = download
				state.completeResolve(idx)
				c.emitBatch(PhaseResolve, idx, item.DisplayName, 100, state)
			}
		}()
	}
	wg.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return downloads, fatalErr
	}

	if ctx.Err() == nil && c.deps.Stats != nil {
		if err := c.deps.Stats.RecordBatchResolve(float64(time.Since(start).Milliseconds())); err != nil {
			c.logger.Warn("timing stats write failed", zap.Error(err))
		}
	}
	return downloads, nil
}

// resolveItem turns one queue item into a DownloadItem and creates its
// destination directory.
func (c *Controller) resolveItem(ctx context.Context, idx int, item QueueItem) (*DownloadItem, error) {
	start := time.Now()

	var url string
	switch item.Kind {
	case KindDirect:
		url = item.Link
	case KindSearch:
		res, err := c.deps.Resolver.Resolve(ctx, item.Query, item.DisplayName, item.ExpectedDurationMs)
		if err != nil {
			return nil, err
		}
		url = res.URL
		if res.Source != resolver.SourceCache && c.deps.Stats != nil {
			if err := c.deps.Stats.RecordItemResolve(float64(time.Since(start).Milliseconds())); err != nil {
				c.logger.Warn("timing stats write failed", zap.Error(err))
			}
		}
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown item kind %q", item.Kind))
	}

	outDir := c.config.OutputDir
	if item.FolderName != "" {
		outDir = filepath.Join(outDir, tool.SanitizeName(item.FolderName))
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, apperrors.NewFileSystemError("create output directory", err)
	}

	return &DownloadItem{
		Index:     idx,
		SourceURL: url,
		TrackName: item.DisplayName,
		OutputDir: outDir,
		Track:     item.Track,
	}, nil
}

// runFetchPhase processes resolved items serially in original batch order.
// Concurrent media extraction caused resource contention in practice, so one
// worker is deliberate.
func (c *Controller) runFetchPhase(ctx context.Context, items []QueueItem, downloads []*DownloadItem, state *batchState) {
	start := time.Now()

	for idx, download := range downloads {
		if ctx.Err() != nil {
			return
		}
		if download == nil {
			continue // resolve failure already recorded
		}

		inst, err := c.deps.Pool.Next()
		if err != nil {
			state.fail(idx, download.TrackName, apperrors.NewValidationError("tool instance pool is empty"))
			continue
		}

		itemStart := time.Now()
		onProgress := func(p tool.Progress) {
			fraction := p.Percent / 100
			var liveMs float64
			if fraction > 0 {
				liveMs = float64(time.Since(itemStart).Milliseconds()) / fraction
			}
			state.updateFetch(idx, fraction, liveMs)
			c.emitBatch(PhaseFetch, idx, download.TrackName, p.Percent, state)
		}

		dest, err := c.deps.Fetcher.Fetch(ctx, inst, download.SourceURL, download.OutputDir, download.TrackName, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			monitoring.RecordFetch("failure", time.Since(itemStart))
			state.fail(idx, download.TrackName, err)
			c.emitBatch(PhaseFetch, idx, download.TrackName, 100, state)
			continue
		}

		elapsed := time.Since(itemStart)
		monitoring.RecordFetch("success", elapsed)
		if c.deps.Stats != nil {
			if err := c.deps.Stats.RecordItemFetch(float64(elapsed.Milliseconds())); err != nil {
				c.logger.Warn("timing stats write failed", zap.Error(err))
			}
		}

		c.applyMetadata(download, dest)
		c.recordDownload(items[idx], download, dest)
		state.completeFetch(idx, dest)
		c.emitBatch(PhaseFetch, idx, download.TrackName, 100, state)
		monitoring.UpdateQueueSize(len(items) - idx - 1)
	}

	if ctx.Err() == nil && c.deps.Stats != nil {
		if err := c.deps.Stats.RecordBatchFetch(float64(time.Since(start).Milliseconds())); err != nil {
			c.logger.Warn("timing stats write failed", zap.Error(err))
		}
	}
}

// applyMetadata writes catalog tags and cover art onto a fetched file. Both
// are best-effort; the download itself already succeeded.
func (c *Controller) applyMetadata(download *DownloadItem, dest string) {
	if c.deps.Tags == nil || download.Track == nil {
		return
	}
	if err := c.deps.Tags.TagTrack(dest, download.Track, 0); err != nil {
		c.logger.Warn("tag write failed", zap.String("path", dest), zap.Error(err))
	}
	if c.deps.Artwork != nil && download.Track.ArtworkURL != "" {
		if err := c.deps.Tags.EmbedArtwork(c.deps.Artwork, dest, download.Track.ArtworkURL); err != nil {
			c.logger.Warn("artwork embed failed", zap.String("path", dest), zap.Error(err))
		}
	}
}

// recordDownload writes the completed file into the download index and the
// long-term history store.
func (c *Controller) recordDownload(item QueueItem, download *DownloadItem, dest string) {
	entry := &cache.DownloadEntry{
		SourceURL: download.SourceURL,
		LocalPath: dest,
		Name:      download.TrackName,
		Playlist:  item.FolderName,
		FileName:  filepath.Base(dest),
	}
	if download.Track != nil {
		entry.RemoteURL = download.Track.CanonicalURL
		entry.Artist = download.Track.Artist
		entry.DurationMs = download.Track.DurationMs
	}
	if info, err := os.Stat(dest); err == nil {
		entry.FileSize = info.Size()
	}

	if c.deps.Index != nil {
		if err := c.deps.Index.Upsert(entry); err != nil {
			c.logger.Warn("download index write failed", zap.String("path", dest), zap.Error(err))
		}
	}
	if c.deps.History != nil {
		if err := c.deps.History.RecordDownload(entry); err != nil {
			c.logger.Warn("history write failed", zap.String("path", dest), zap.Error(err))
		}
	}
}

// cancelBatch force-terminates tracked subprocesses and cleans up every
// partial artifact plus already-completed downloads orphaned by the abort.
func (c *Controller) cancelBatch(items []QueueItem, downloads []*DownloadItem, state *batchState) *BatchResult {
	if c.deps.Registry != nil {
		c.deps.Registry.KillAll()
	}

	for _, download := range downloads {
		if download != nil {
			c.cleanupPartialArtifacts(download)
		}
	}

	result := state.result(true)
	for _, file := range result.Files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("orphan cleanup failed", zap.String("path", file), zap.Error(err))
			continue
		}
		if c.deps.Index != nil {
			if err := c.deps.Index.RemoveByPath(file); err != nil {
				c.logger.Warn("download index cleanup failed", zap.String("path", file), zap.Error(err))
			}
		}
	}
	result.Files = nil
	result.ItemFiles = make([]string, len(items))
	result.Succeeded = 0

	c.logger.Info("batch cancelled",
		zap.Int("items", len(items)),
		zap.Int("failures", result.Failed))
	return result
}

// fragmentRe matches format-fragment files the fetch tool writes mid-download
var fragmentRe = regexp.MustCompile(`\.f\d+\.`)

var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp", ".webm"}

// cleanupPartialArtifacts removes temp and partial files matching the item's
// output directory and file prefix.
func (c *Controller) cleanupPartialArtifacts(download *DownloadItem) {
	prefix := tool.SanitizeName(download.TrackName)
	entries, err := os.ReadDir(download.OutputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !isPartialArtifact(name) {
			continue
		}
		if err := os.Remove(filepath.Join(download.OutputDir, name)); err != nil {
			c.logger.Warn("partial artifact cleanup failed", zap.String("file", name), zap.Error(err))
		}
	}
}

func isPartialArtifact(name string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return fragmentRe.MatchString(name)
}

// emitBatch publishes one progress event, never blocking the pipeline
func (c *Controller) emitBatch(phase Phase, idx int, name string, itemPercent float64, state *batchState) {
	if c.deps.Events == nil {
		return
	}

	resolve, fetch := state.snapshot()
	percent := resolve.AvgCompletion * 100
	etaSeconds := -1
	if c.deps.Stats != nil {
		totalPercent, etaMs := c.deps.Stats.Estimate(resolve, fetch)
		percent = totalPercent
		if etaMs >= 0 {
			etaSeconds = int(etaMs / 1000)
		}
	}

	select {
	case c.deps.Events <- Event{
		Phase:       phase,
		Percent:     percent,
		ETASeconds:  etaSeconds,
		ItemIndex:   idx,
		ItemName:    name,
		ItemPercent: itemPercent,
	}:
	default:
	}
}
