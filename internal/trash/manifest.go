package trash

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/cache"
	apperrors "github.com/tunesync/tunesync-go/internal/errors"
)

// TrimManifest groups the trash records of one batch destructive operation
// under a single undo identity. It is persisted before the operation reports
// success so undo works across process restarts.
type TrimManifest struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Records   []TrashRecord `json:"records"`
}

// RestoreResult summarizes a manifest restore. Records whose trash items have
// gone missing are counted as failed but do not fail the whole restore.
type RestoreResult struct {
	Success       bool
	RestoredCount int
	Failed        []TrashRecord
}

// NewTrimManifest starts an empty manifest with a fresh undo identity
func NewTrimManifest() *TrimManifest {
	return &TrimManifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// Add appends one record to the manifest
func (t *TrimManifest) Add(record *TrashRecord) {
	t.Records = append(t.Records, *record)
}

// manifestPath places manifests next to the trash contents
func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.trashDir, fmt.Sprintf("manifest-%s.json", id))
}

// SaveManifest persists the manifest atomically
func (m *Manager) SaveManifest(manifest *TrimManifest) error {
	if err := cache.AtomicWriteJSON(m.manifestPath(manifest.ID), manifest); err != nil {
		return apperrors.NewCacheError("persist trim manifest", err)
	}
	return nil
}

// LoadManifest reads a persisted manifest by its undo identity
func (m *Manager) LoadManifest(id string) (*TrimManifest, error) {
	var manifest TrimManifest
	if err := cache.LoadJSON(m.manifestPath(id), &manifest); err != nil {
		return nil, apperrors.NewCacheError(fmt.Sprintf("load trim manifest %s", id), err)
	}
	return &manifest, nil
}

// ListManifests returns every persisted manifest, oldest first
func (m *Manager) ListManifests() ([]*TrimManifest, error) {
	paths, err := filepath.Glob(filepath.Join(m.trashDir, "manifest-*.json"))
	if err != nil {
		return nil, err
	}

	manifests := make([]*TrimManifest, 0, len(paths))
	for _, path := range paths {
		var manifest TrimManifest
		if err := cache.LoadJSON(path, &manifest); err != nil {
			m.logger.Warn("skipping unreadable manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		manifests = append(manifests, &manifest)
	}
	for i := 1; i < len(manifests); i++ {
		for j := i; j > 0 && manifests[j].CreatedAt.Before(manifests[j-1].CreatedAt); j-- {
			manifests[j], manifests[j-1] = manifests[j-1], manifests[j]
		}
	}
	return manifests, nil
}

// RestoreManifest restores every record in the manifest. Records that cannot
// be restored stay behind in a rewritten manifest; the manifest file is
// removed once nothing is outstanding.
func (m *Manager) RestoreManifest(manifest *TrimManifest) (*RestoreResult, error) {
	result := &RestoreResult{Success: true}

	for i := range manifest.Records {
		record := manifest.Records[i]
		if err := m.Restore(&record); err != nil {
			m.logger.Warn("manifest record restore failed",
				zap.String("original_path", record.OriginalPath),
				zap.Error(err))
			result.Failed = append(result.Failed, record)
			continue
		}
		result.RestoredCount++
	}

	if len(result.Failed) == 0 {
		if err := os.Remove(m.manifestPath(manifest.ID)); err != nil && !os.IsNotExist(err) {
			return result, apperrors.NewFileSystemError("remove trim manifest", err)
		}
		return result, nil
	}

	// Partial undo: rewrite the manifest with only the outstanding records
	remaining := &TrimManifest{ID: manifest.ID, CreatedAt: manifest.CreatedAt, Records: result.Failed}
	if err := m.SaveManifest(remaining); err != nil {
		return result, err
	}
	return result, nil
}
