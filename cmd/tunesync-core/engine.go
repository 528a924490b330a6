package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
	"github.com/tunesync/tunesync-go/internal/catalog"
	"github.com/tunesync/tunesync-go/internal/config"
	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/metadata"
	"github.com/tunesync/tunesync-go/internal/pipeline"
	"github.com/tunesync/tunesync-go/internal/resolver"
	"github.com/tunesync/tunesync-go/internal/security"
	"github.com/tunesync/tunesync-go/internal/store"
	"github.com/tunesync/tunesync-go/internal/syncer"
	"github.com/tunesync/tunesync-go/internal/timing"
	"github.com/tunesync/tunesync-go/internal/tool"
	"github.com/tunesync/tunesync-go/internal/trash"
	"github.com/tunesync/tunesync-go/internal/trim"
)

// Engine wires the full download and reconciliation stack together for the
// host process. It owns the shared stores, the tool instance pool, and the
// channels the host consumes: progress events and manual link requests.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *sql.DB
	history *store.HistoryStore

	links     *cache.LinkCache
	index     *cache.DownloadIndex
	syncState *cache.SyncState
	stats     *timing.Stats

	pool     *tool.Pool
	registry *tool.ProcessRegistry
	fetcher  *tool.Fetcher
	prober   *tool.Prober

	catalog *catalog.Client
	tokens  *security.TokenStore

	resolver *resolver.Resolver
	trash    *trash.Manager
	tags     *metadata.Manager
	artwork  *metadata.ArtworkFetcher
	trimmer  *trim.Trimmer
	syncer   *syncer.Syncer

	events chan pipeline.Event
	manual chan *resolver.ManualRequest
}

// NewEngine constructs and connects every component. The tool pool is
// prepared eagerly; a missing fetch tool fails construction rather than the
// first batch.
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	cacheDir := cfg.CacheDirPath()

	links, err := cache.NewLinkCache(filepath.Join(cacheDir, "links.json"), logger)
	if err != nil {
		return nil, err
	}
	index, err := cache.NewDownloadIndex(filepath.Join(cacheDir, "downloads.json"), logger)
	if err != nil {
		return nil, err
	}
	syncState, err := cache.NewSyncState(filepath.Join(cacheDir, "sync.json"), logger)
	if err != nil {
		return nil, err
	}
	stats, err := timing.NewStats(filepath.Join(cacheDir, "timing.json"), logger)
	if err != nil {
		return nil, err
	}

	db, err := store.InitDB(filepath.Join(cfg.Paths.DataDir, "history.db"))
	if err != nil {
		return nil, err
	}

	trashMgr, err := trash.NewManager(cfg.TrashDirPath(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := tool.NewProcessRegistry()
	executor := tool.CommandExecutor{}

	pool := tool.NewPool(tool.DefaultPoolConfig(
		cfg.Download.ToolsDir,
		filepath.Join(cfg.Paths.DataDir, "instances"),
	), logger)
	if err := pool.Prepare(cfg.Download.MaxInstances); err != nil {
		db.Close()
		return nil, err
	}

	fetcher := tool.NewFetcher(executor, registry, cfg.Download.AudioFormat, logger)
	prober := tool.NewProber(executor, "", "", logger)

	catalogClient := catalog.NewClient(
		cfg.Catalog.BaseURL,
		cfg.Catalog.RequestsPerSecond,
		time.Duration(cfg.Catalog.TimeoutSeconds)*time.Second,
		logger,
	)
	tokens := security.NewTokenStore(cfg.Paths.DataDir)
	if token, err := tokens.Load(); err == nil {
		catalogClient.SetToken(token)
	}

	manual := make(chan *resolver.ManualRequest, 8)
	searcher := &poolSearcher{fetcher: fetcher, pool: pool}
	res := resolver.NewResolver(links, searcher, searcher, manual, resolver.Config{
		PrimaryResultLimit:   cfg.Resolver.PrimaryResultLimit,
		SecondaryResultLimit: cfg.Resolver.SecondaryResultLimit,
		DurationToleranceMs:  int64(cfg.Download.DurationToleranceMs),
		ManualWait:           time.Duration(cfg.Resolver.ManualWaitSeconds) * time.Second,
	}, logger)

	tags := metadata.NewManager(metadata.Config{
		EmbedArtwork: cfg.Download.EmbedArtwork,
		ArtworkSize:  cfg.Download.ArtworkSize,
	})
	artwork, err := metadata.NewArtworkFetcher(filepath.Join(cacheDir, "artwork"))
	if err != nil {
		db.Close()
		return nil, err
	}
	trimmer := trim.NewTrimmer(prober, trashMgr, tags, trim.Config{
		ThresholdDB:       cfg.Trim.ThresholdDB,
		MinSilenceSeconds: cfg.Trim.MinSilenceSeconds,
	}, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		history:   store.NewHistoryStore(db),
		links:     links,
		index:     index,
		syncState: syncState,
		stats:     stats,
		pool:      pool,
		registry:  registry,
		fetcher:   fetcher,
		prober:    prober,
		catalog:   catalogClient,
		tokens:    tokens,
		resolver:  res,
		trash:     trashMgr,
		tags:      tags,
		artwork:   artwork,
		trimmer:   trimmer,
		events:    make(chan pipeline.Event, 64),
		manual:    manual,
	}

	e.syncer = syncer.NewSyncer(catalogClient, syncState, index, trashMgr, tags, func(outputDir string) syncer.BatchRunner {
		return e.controller(outputDir)
	}, logger)

	return e, nil
}

// Close releases the engine's persistent resources
func (e *Engine) Close() error {
	return e.db.Close()
}

// Events is the progress event stream for the host UI
func (e *Engine) Events() <-chan pipeline.Event {
	return e.events
}

// ManualRequests delivers link requests the resolver could not answer
// automatically. The host responds or cancels each one.
func (e *Engine) ManualRequests() <-chan *resolver.ManualRequest {
	return e.manual
}

// SaveToken persists the catalog token and applies it to the live client
func (e *Engine) SaveToken(token string) error {
	if err := e.tokens.Save(token); err != nil {
		return err
	}
	e.catalog.SetToken(token)
	return nil
}

// controller builds a pipeline controller writing into outputDir. Controllers
// are cheap; the expensive state (pool, caches, stats) is shared.
func (e *Engine) controller(outputDir string) *pipeline.Controller {
	return pipeline.NewController(pipeline.Deps{
		Resolver: e.resolver,
		Fetcher:  e.fetcher,
		Pool:     e.pool,
		Registry: e.registry,
		Stats:    e.stats,
		Index:    e.index,
		History:  e.history,
		Events:   e.events,
		Tags:     e.tags,
		Artwork:  e.artwork,
	}, pipeline.Config{
		Concurrency: e.cfg.Download.Concurrency,
		OutputDir:   outputDir,
	}, e.logger)
}

// Download runs one batch into the configured output directory
func (e *Engine) Download(ctx context.Context, items []pipeline.QueueItem) (*pipeline.BatchResult, error) {
	return e.controller(e.cfg.Download.OutputDir).Run(ctx, items)
}

// BuildQueue turns command-line arguments into queue items. Catalog track
// links become duration-filtered searches; playlist and album links expand to
// one item per track nested under the collection's folder; other URLs pass
// through as direct fetches; everything else is a free-text search.
func (e *Engine) BuildQueue(ctx context.Context, args []string) ([]pipeline.QueueItem, error) {
	var items []pipeline.QueueItem
	for _, arg := range args {
		if kind, id, err := catalog.ParseLink(arg); err == nil {
			switch kind {
			case "track":
				track, err := e.catalog.TrackByID(ctx, id)
				if err != nil {
					return nil, err
				}
				items = append(items, queueItemForTrack(track, ""))
			case "playlist", "album":
				playlist, err := e.catalog.PlaylistByLink(ctx, arg)
				if err != nil {
					return nil, err
				}
				for i := range playlist.Tracks {
					items = append(items, queueItemForTrack(&playlist.Tracks[i], playlist.Name))
				}
			default:
				return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported catalog link kind %q", kind))
			}
			continue
		}

		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			items = append(items, pipeline.QueueItem{
				Kind:        pipeline.KindDirect,
				Link:        arg,
				DisplayName: filepath.Base(arg),
			})
			continue
		}

		items = append(items, pipeline.QueueItem{
			Kind:        pipeline.KindSearch,
			Query:       arg,
			DisplayName: arg,
		})
	}
	return items, nil
}

func queueItemForTrack(track *catalog.Track, folder string) pipeline.QueueItem {
	return pipeline.QueueItem{
		Kind:               pipeline.KindSearch,
		Query:              track.Query(),
		DisplayName:        track.Name,
		ExpectedDurationMs: track.DurationMs,
		Track:              track,
		FolderName:         folder,
	}
}

// Track starts following a remote playlist: it registers the local folder in
// the sync cache and runs the first reconciliation, which fetches every track.
func (e *Engine) Track(ctx context.Context, link string) (string, *syncer.Result, error) {
	playlist, err := e.catalog.PlaylistByLink(ctx, link)
	if err != nil {
		return "", nil, err
	}

	folder := filepath.Join(e.cfg.Download.OutputDir, tool.SanitizeName(playlist.Name))
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", nil, apperrors.NewFileSystemError("create playlist folder", err)
	}

	if _, ok := e.syncState.Get(folder); !ok {
		entry := &cache.PlaylistEntry{
			Source: &cache.SyncSource{
				Link:        link,
				Kind:        playlist.Kind,
				ID:          playlist.ID,
				DisplayName: playlist.Name,
			},
			Tracks: map[string]cache.SyncTrack{},
		}
		if err := e.syncState.Put(folder, entry); err != nil {
			return "", nil, err
		}
	}

	result, err := e.Sync(ctx, folder)
	return folder, result, err
}

// Sync reconciles one tracked playlist folder and records the run
func (e *Engine) Sync(ctx context.Context, playlistPath string) (*syncer.Result, error) {
	result, err := e.syncer.Sync(ctx, playlistPath)
	if err != nil {
		return nil, err
	}
	if err := e.history.RecordSync(playlistPath, result.Added, result.Changed, result.Removed, result.FilesRemoved); err != nil {
		e.logger.Warn("sync history write failed", zap.String("path", playlistPath), zap.Error(err))
	}
	return result, nil
}

// TrimLibrary trims silence across the whole output directory
func (e *Engine) TrimLibrary(ctx context.Context) (*trim.BatchResult, error) {
	return e.trimmer.TrimLibrary(ctx, e.cfg.Download.OutputDir)
}

// TrimManifests lists persisted trim-undo manifests, oldest first
func (e *Engine) TrimManifests() ([]*trash.TrimManifest, error) {
	return e.trash.ListManifests()
}

// RestoreTrim undoes a persisted library trim by manifest id
func (e *Engine) RestoreTrim(manifestID string) (*trash.RestoreResult, error) {
	manifest, err := e.trash.LoadManifest(manifestID)
	if err != nil {
		return nil, err
	}
	return e.trash.RestoreManifest(manifest)
}

// poolSearcher backs the resolver's search steps with pool-isolated tool
// invocations.
type poolSearcher struct {
	fetcher *tool.Fetcher
	pool    *tool.Pool
}

func (s *poolSearcher) Search(ctx context.Context, query string, limit int) ([]tool.Candidate, error) {
	inst, err := s.pool.Next()
	if err != nil {
		return nil, err
	}
	return s.fetcher.Search(ctx, inst, query, limit)
}
