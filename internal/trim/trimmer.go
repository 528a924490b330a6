// Package trim removes leading and trailing silence from audio files. Every
// modified file is trashed before its trimmed replacement is promoted, and
// library-wide runs persist a manifest so the whole batch can be undone after
// a restart.
package trim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/metadata"
	"github.com/tunesync/tunesync-go/internal/tool"
	"github.com/tunesync/tunesync-go/internal/trash"
)

// minTrimSeconds is the smallest combined trim worth a re-encode
const minTrimSeconds = 0.4

// edgeSlackSeconds is how close a silence span must sit to the file edge (or
// to an already-chained span) to count as leading/trailing silence
const edgeSlackSeconds = 0.1

// Config bounds silence detection
type Config struct {
	// ThresholdDB is the noise floor, e.g. -45
	ThresholdDB float64
	// MinSilenceSeconds is the shortest span the detector reports
	MinSilenceSeconds float64
}

// DefaultConfig returns the detection bounds used when none are configured
func DefaultConfig() Config {
	return Config{ThresholdDB: -45, MinSilenceSeconds: 0.7}
}

// Trimmer trims silence from audio files through the external analysis tool
type Trimmer struct {
	prober *tool.Prober
	trash  *trash.Manager
	tags   *metadata.Manager
	config Config
	logger *zap.Logger
}

// NewTrimmer builds a trimmer. tags may be nil when tag preservation across
// re-encodes is not wanted.
func NewTrimmer(prober *tool.Prober, trashMgr *trash.Manager, tags *metadata.Manager, config Config, logger *zap.Logger) *Trimmer {
	return &Trimmer{
		prober: prober,
		trash:  trashMgr,
		tags:   tags,
		config: config,
		logger: logger,
	}
}

// FileResult is the outcome for one trimmed file
type FileResult struct {
	Path string
	// Trimmed is false when the file needed no trim
	Trimmed bool
	// Record restores the original; nil when not trimmed
	Record *trash.TrashRecord
}

// BatchResult summarizes a library-wide trim
type BatchResult struct {
	Processed  int
	Trimmed    int
	Skipped    int
	Failed     int
	ManifestID string
}

// TrimFile trims one file in place. The original is trashed before the
// trimmed version is promoted; any failure after trashing restores the
// original so the track is never left missing.
func (t *Trimmer) TrimFile(ctx context.Context, path string) (*FileResult, error) {
	durationMs, err := t.prober.DurationMs(ctx, path)
	if err != nil {
		return nil, err
	}
	totalSec := float64(durationMs) / 1000

	spans, err := t.prober.DetectSilence(ctx, path, t.config.ThresholdDB, t.config.MinSilenceSeconds)
	if err != nil {
		return nil, err
	}

	startSec, endSec := computeTrimPoints(spans, totalSec)
	if !worthTrimming(startSec, endSec, totalSec) {
		return &FileResult{Path: path}, nil
	}

	ext := filepath.Ext(path)
	tempPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".trim-%s%s", uuid.NewString(), ext))
	if err := t.prober.Encode(ctx, path, tempPath, startSec, endSec); err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if t.tags != nil {
		if err := t.tags.Copy(path, tempPath); err != nil {
			t.logger.Warn("tag copy across re-encode failed",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	record, err := t.trash.Trash(path)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Never leave the track missing: put the original back
		os.Remove(tempPath)
		if restoreErr := t.trash.Restore(record); restoreErr != nil {
			t.logger.Error("restore after failed promotion failed",
				zap.String("path", path),
				zap.Error(restoreErr))
		}
		return nil, apperrors.NewFileSystemError(fmt.Sprintf("promote trimmed file %s", path), err)
	}

	t.logger.Info("trimmed silence",
		zap.String("path", path),
		zap.Float64("lead_sec", startSec),
		zap.Float64("tail_sec", totalSec-endSec))

	return &FileResult{Path: path, Trimmed: true, Record: record}, nil
}

// TrimLibrary trims every audio file under root. The trim manifest is
// persisted before the result reports success, so undo survives restarts.
// Per-file failures are counted and do not stop the batch.
func (t *Trimmer) TrimLibrary(ctx context.Context, root string) (*BatchResult, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isAudioFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewFileSystemError(fmt.Sprintf("walk library %s", root), err)
	}

	result := &BatchResult{}
	manifest := trash.NewTrimManifest()
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		fileResult, err := t.TrimFile(ctx, path)
		if err != nil {
			result.Failed++
			t.logger.Warn("trim failed", zap.String("path", path), zap.Error(err))
			continue
		}
		if !fileResult.Trimmed {
			result.Skipped++
			continue
		}
		result.Trimmed++
		manifest.Add(fileResult.Record)
	}

	if result.Trimmed > 0 {
		if err := t.trash.SaveManifest(manifest); err != nil {
			return nil, err
		}
		result.ManifestID = manifest.ID
	}

	if ctx.Err() != nil {
		return result, apperrors.NewCancelledError("library trim")
	}
	return result, nil
}

// computeTrimPoints chains silence spans from both file edges: the latest end
// of leading silence and the earliest start of trailing silence. A span with
// End < 0 runs to EOF.
func computeTrimPoints(spans []tool.SilenceSpan, totalSec float64) (startSec, endSec float64) {
	startSec = 0
	for _, span := range spans {
		if span.Start > startSec+edgeSlackSeconds {
			break
		}
		if span.End < 0 {
			return totalSec, totalSec
		}
		if span.End > startSec {
			startSec = span.End
		}
	}

	endSec = totalSec
	for i := len(spans) - 1; i >= 0; i-- {
		span := spans[i]
		spanEnd := span.End
		if spanEnd < 0 {
			spanEnd = totalSec
		}
		if spanEnd < endSec-edgeSlackSeconds {
			break
		}
		if span.Start < endSec {
			endSec = span.Start
		}
	}
	return startSec, endSec
}

// worthTrimming reports whether the trim points moved enough to justify a
// re-encode and still leave playable audio.
func worthTrimming(startSec, endSec, totalSec float64) bool {
	if endSec <= startSec {
		return false // nothing but silence, leave it alone
	}
	trimmed := startSec + (totalSec - endSec)
	return trimmed >= minTrimSeconds
}

func isAudioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac", ".m4a", ".opus", ".ogg":
		return true
	}
	return false
}
