// Package syncer keeps local playlist folders consistent with their remote
// sources. A sync diffs the cached snapshot against a fresh remote listing,
// fetches added and changed tracks into a staging subfolder, trashes removed
// ones, and renumbers everything into place with crash-safe staged renames.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
	"github.com/tunesync/tunesync-go/internal/catalog"
	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/metadata"
	"github.com/tunesync/tunesync-go/internal/monitoring"
	"github.com/tunesync/tunesync-go/internal/pipeline"
	"github.com/tunesync/tunesync-go/internal/tool"
	"github.com/tunesync/tunesync-go/internal/trash"
)

// durationSlackMs is the duration drift beyond which a cached track counts as
// changed
const durationSlackMs = 1500

// stagingDirName is the per-sync staging subfolder for fresh fetches
const stagingDirName = ".staging"

// Lister fetches remote playlist listings
type Lister interface {
	PlaylistByLink(ctx context.Context, link string) (*catalog.Playlist, error)
}

// BatchRunner runs a download batch into a given output directory. The
// engine backs this with a pipeline controller.
type BatchRunner interface {
	Run(ctx context.Context, items []pipeline.QueueItem) (*pipeline.BatchResult, error)
}

// RunnerFactory builds a BatchRunner writing into outputDir
type RunnerFactory func(outputDir string) BatchRunner

// Result summarizes one sync run
type Result struct {
	Added        int
	Changed      int
	Removed      int
	FilesRemoved int
	// FetchFailed counts added/changed tracks whose download failed; their
	// prior cache state is left untouched
	FetchFailed int
	// RenameConflict is set when the remote display name changed but a local
	// folder with the target name already exists; the rename is skipped
	RenameConflict bool
}

// Syncer reconciles local playlist folders against their remote sources
type Syncer struct {
	lister    Lister
	state     *cache.SyncState
	index     *cache.DownloadIndex
	trash     *trash.Manager
	tags      *metadata.Manager
	newRunner RunnerFactory
	logger    *zap.Logger
}

// NewSyncer builds a syncer. tags may be nil to skip renumber retagging.
func NewSyncer(lister Lister, state *cache.SyncState, index *cache.DownloadIndex, trashMgr *trash.Manager, tags *metadata.Manager, newRunner RunnerFactory, logger *zap.Logger) *Syncer {
	return &Syncer{
		lister:    lister,
		state:     state,
		index:     index,
		trash:     trashMgr,
		tags:      tags,
		newRunner: newRunner,
		logger:    logger,
	}
}

// trackPlan is the per-track reconciliation decision
type trackPlan struct {
	track catalog.Track
	// sourcePath is the file to place; empty when the track must be fetched
	sourcePath string
	fetched    bool
	prior      *cache.SyncTrack
}

// Sync reconciles one tracked playlist folder. It fails when the folder is
// not tracked or the remote listing cannot be fetched; per-track fetch
// failures are counted and leave the prior cache state for those tracks.
func (s *Syncer) Sync(ctx context.Context, playlistPath string) (*Result, error) {
	entry, ok := s.state.Get(playlistPath)
	if !ok || entry.Source == nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("not a tracked remote playlist: %s", playlistPath))
	}

	playlist, err := s.lister.PlaylistByLink(ctx, entry.Source.Link)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	playlistPath, err = s.maybeRenameFolder(playlistPath, playlist.Name, result)
	if err != nil {
		return nil, err
	}

	plans, removedIDs := s.diff(entry, playlist)
	result.Added, result.Changed = countPending(plans, entry)
	result.Removed = len(removedIDs)
	monitoring.RecordSyncOp("added", result.Added)
	monitoring.RecordSyncOp("changed", result.Changed)
	monitoring.RecordSyncOp("removed", result.Removed)

	if err := s.removeTracks(entry, removedIDs, result); err != nil {
		return nil, err
	}

	stagingDir := filepath.Join(playlistPath, stagingDirName)
	defer os.RemoveAll(stagingDir)
	if err := s.fetchPending(ctx, plans, stagingDir, result); err != nil {
		return nil, err
	}

	reconciled, err := s.placeTracks(playlistPath, plans)
	if err != nil {
		return nil, err
	}

	entry.Source.DisplayName = playlist.Name
	entry.Source.LastSynced = time.Now()
	entry.Tracks = reconciled
	if err := s.state.Put(playlistPath, entry); err != nil {
		return nil, err
	}

	s.logger.Info("playlist synced",
		zap.String("path", playlistPath),
		zap.Int("added", result.Added),
		zap.Int("changed", result.Changed),
		zap.Int("removed", result.Removed),
		zap.Int("fetch_failed", result.FetchFailed))
	return result, nil
}

// maybeRenameFolder renames the local folder when the remote display name
// changed. An occupied target surfaces as a conflict and skips the rename.
func (s *Syncer) maybeRenameFolder(playlistPath, remoteName string, result *Result) (string, error) {
	wantName := tool.SanitizeName(remoteName)
	if wantName == "" || wantName == filepath.Base(playlistPath) {
		return playlistPath, nil
	}

	target := filepath.Join(filepath.Dir(playlistPath), wantName)
	if _, err := os.Stat(target); err == nil {
		s.logger.Warn("playlist rename skipped, target exists",
			zap.String("path", playlistPath),
			zap.String("target", target))
		result.RenameConflict = true
		return playlistPath, nil
	}

	if err := os.Rename(playlistPath, target); err != nil {
		return "", apperrors.NewFileSystemError("rename playlist folder", err)
	}
	if _, err := s.index.RewritePathPrefix(playlistPath, target); err != nil {
		return "", err
	}
	if err := s.state.Rename(playlistPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// diff classifies every remote track against the cached snapshot and finds
// cached ids gone from the remote list.
func (s *Syncer) diff(entry *cache.PlaylistEntry, playlist *catalog.Playlist) ([]trackPlan, []string) {
	plans := make([]trackPlan, 0, len(playlist.Tracks))
	remoteIDs := make(map[string]bool, len(playlist.Tracks))

	for _, track := range playlist.Tracks {
		remoteIDs[track.ID] = true
		plan := trackPlan{track: track}
		if cached, ok := entry.Tracks[track.ID]; ok {
			prior := cached
			plan.prior = &prior
			if !trackChanged(&cached, &track) {
				plan.sourcePath = cached.LocalPath
			}
		}
		plans = append(plans, plan)
	}

	var removed []string
	for id := range entry.Tracks {
		if !remoteIDs[id] {
			removed = append(removed, id)
		}
	}
	return plans, removed
}

// trackChanged reports whether a cached track needs re-fetching: metadata
// drift, duration drift beyond the slack, or a missing local file.
func trackChanged(cached *cache.SyncTrack, remote *catalog.Track) bool {
	if normalize(cached.Name) != normalize(remote.Name) {
		return true
	}
	if normalize(cached.Artist) != normalize(remote.Artist) {
		return true
	}
	if abs64(cached.DurationMs-remote.DurationMs) > durationSlackMs {
		return true
	}
	if cached.LocalPath == "" {
		return true
	}
	if _, err := os.Stat(cached.LocalPath); err != nil {
		return true
	}
	return false
}

func countPending(plans []trackPlan, entry *cache.PlaylistEntry) (added, changed int) {
	for _, plan := range plans {
		if plan.sourcePath != "" {
			continue
		}
		if _, ok := entry.Tracks[plan.track.ID]; ok {
			changed++
		} else {
			added++
		}
	}
	return added, changed
}

// removeTracks trashes the local files of tracks gone from the remote list
// and drops them from the download index.
func (s *Syncer) removeTracks(entry *cache.PlaylistEntry, removedIDs []string, result *Result) error {
	for _, id := range removedIDs {
		cached := entry.Tracks[id]
		delete(entry.Tracks, id)
		if cached.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(cached.LocalPath); err != nil {
			continue
		}
		if _, err := s.trash.Trash(cached.LocalPath); err != nil {
			return err
		}
		if err := s.index.RemoveByPath(cached.LocalPath); err != nil {
			return err
		}
		result.FilesRemoved++
	}
	return nil
}

// fetchPending downloads every added/changed track into the staging folder
func (s *Syncer) fetchPending(ctx context.Context, plans []trackPlan, stagingDir string, result *Result) error {
	var items []pipeline.QueueItem
	var pending []int
	for i := range plans {
		if plans[i].sourcePath != "" {
			continue
		}
		track := plans[i].track
		items = append(items, pipeline.QueueItem{
			Kind:               pipeline.KindSearch,
			Query:              track.Query(),
			DisplayName:        track.Name,
			ExpectedDurationMs: track.DurationMs,
			Track:              &plans[i].track,
		})
		pending = append(pending, i)
	}
	if len(items) == 0 {
		return nil
	}

	batch, err := s.newRunner(stagingDir).Run(ctx, items)
	if err != nil {
		return err
	}

	for pos, planIdx := range pending {
		if pos < len(batch.ItemFiles) && batch.ItemFiles[pos] != "" {
			plans[planIdx].sourcePath = batch.ItemFiles[pos]
			plans[planIdx].fetched = true
		} else {
			result.FetchFailed++
		}
	}
	return nil
}

// placeTracks renumbers every track by remote position and moves files into
// their final slots with a two-step rename: every source first moves to a
// unique temp name, only then into the final name, replacing any occupant.
// Renaming in two steps avoids clobbering a file mid-cycle and deadlocking on
// same-name swaps.
func (s *Syncer) placeTracks(playlistPath string, plans []trackPlan) (map[string]cache.SyncTrack, error) {
	type placement struct {
		planIdx   int
		tempPath  string
		finalPath string
	}

	// A changed track's fresh fetch can land under a new name; the superseded
	// file is trashed first so renumbering cannot collide with it.
	for i := range plans {
		plan := &plans[i]
		if !plan.fetched || plan.prior == nil || plan.prior.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(plan.prior.LocalPath); err != nil {
			continue
		}
		if _, err := s.trash.Trash(plan.prior.LocalPath); err != nil {
			return nil, err
		}
		if err := s.index.RemoveByPath(plan.prior.LocalPath); err != nil {
			return nil, err
		}
	}

	var placements []placement
	for i := range plans {
		plan := &plans[i]
		if plan.sourcePath == "" {
			continue // failed fetch, prior cache state untouched
		}
		finalPath := filepath.Join(playlistPath, trackFileName(i+1, len(plans), plan.track.Name, filepath.Ext(plan.sourcePath)))
		if plan.sourcePath == finalPath {
			placements = append(placements, placement{planIdx: i, tempPath: finalPath, finalPath: finalPath})
			continue
		}

		tempPath := filepath.Join(playlistPath, fmt.Sprintf(".move-%s%s", uuid.NewString(), filepath.Ext(plan.sourcePath)))
		if err := os.Rename(plan.sourcePath, tempPath); err != nil {
			return nil, apperrors.NewFileSystemError(fmt.Sprintf("stage %s", plan.sourcePath), err)
		}
		placements = append(placements, placement{planIdx: i, tempPath: tempPath, finalPath: finalPath})
	}

	reconciled := make(map[string]cache.SyncTrack, len(plans))
	now := time.Now()
	for _, p := range placements {
		plan := &plans[p.planIdx]
		if p.tempPath != p.finalPath {
			if err := os.Rename(p.tempPath, p.finalPath); err != nil {
				return nil, apperrors.NewFileSystemError(fmt.Sprintf("place %s", p.finalPath), err)
			}
			if _, err := s.index.RewritePathPrefix(plan.sourcePath, p.finalPath); err != nil {
				return nil, err
			}
		}
		if s.tags != nil && (plan.fetched || movedOrdinal(plan.prior, p.planIdx)) {
			if err := s.tags.TagTrack(p.finalPath, &plan.track, p.planIdx+1); err != nil {
				s.logger.Warn("retag failed", zap.String("path", p.finalPath), zap.Error(err))
			}
		}
		reconciled[plan.track.ID] = cache.SyncTrack{
			RemoteID:   plan.track.ID,
			Name:       plan.track.Name,
			Artist:     plan.track.Artist,
			DurationMs: plan.track.DurationMs,
			Position:   p.planIdx,
			LocalPath:  p.finalPath,
			UpdatedAt:  now,
		}
	}

	// Tracks that failed to fetch keep their prior snapshot
	for i := range plans {
		plan := &plans[i]
		if plan.sourcePath == "" && plan.prior != nil {
			reconciled[plan.track.ID] = *plan.prior
		}
	}
	return reconciled, nil
}

// movedOrdinal reports whether a kept track landed on a new remote position
func movedOrdinal(prior *cache.SyncTrack, position int) bool {
	return prior == nil || prior.Position != position
}

// trackFileName builds the zero-padded ordinal file name for a track
func trackFileName(ordinal, total int, name, ext string) string {
	width := 2
	if total >= 100 {
		width = len(fmt.Sprint(total))
	}
	return fmt.Sprintf("%0*d - %s%s", width, ordinal, tool.SanitizeName(name), ext)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
