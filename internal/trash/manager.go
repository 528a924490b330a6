// Package trash makes destructive operations reversible. Every delete moves
// the target into a trash directory and returns a record that restores it;
// batch operations persist a manifest of records so undo survives restarts.
package trash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/monitoring"
)

// TrashRecord is the restore token for one trashed file or directory
type TrashRecord struct {
	TrashPath    string `json:"trash_path"`
	OriginalPath string `json:"original_path"`
	ItemName     string `json:"item_name"`
}

// Manager moves files and directories in and out of the trash directory
type Manager struct {
	trashDir string
	logger   *zap.Logger
}

// NewManager creates the trash directory if needed
func NewManager(trashDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(trashDir, 0755); err != nil {
		return nil, apperrors.NewFileSystemError("create trash directory", err)
	}
	return &Manager{trashDir: trashDir, logger: logger}, nil
}

// Trash moves path into the trash directory under a unique name and returns
// the record needed to restore it.
func (m *Manager) Trash(path string) (*TrashRecord, error) {
	if _, err := os.Stat(path); err != nil {
		monitoring.RecordTrashOp("trash", "failure")
		return nil, apperrors.NewFileSystemError(fmt.Sprintf("trash target missing: %s", path), err)
	}

	name := filepath.Base(path)
	trashPath := filepath.Join(m.trashDir, fmt.Sprintf("%s.%s", name, uuid.NewString()))

	if err := moveWithFallback(path, trashPath); err != nil {
		monitoring.RecordTrashOp("trash", "failure")
		return nil, err
	}

	m.logger.Debug("trashed item",
		zap.String("path", path),
		zap.String("trash_path", trashPath))
	monitoring.RecordTrashOp("trash", "success")

	return &TrashRecord{
		TrashPath:    trashPath,
		OriginalPath: path,
		ItemName:     name,
	}, nil
}

// Restore moves a trashed item back to its original location. It fails when
// the trash item no longer exists or the original location is occupied.
func (m *Manager) Restore(record *TrashRecord) error {
	if _, err := os.Stat(record.TrashPath); err != nil {
		monitoring.RecordTrashOp("restore", "failure")
		return apperrors.NewFileSystemError(fmt.Sprintf("trash item missing: %s", record.TrashPath), err)
	}
	if _, err := os.Stat(record.OriginalPath); err == nil {
		monitoring.RecordTrashOp("restore", "failure")
		return apperrors.NewConflictError(record.OriginalPath)
	}

	if err := os.MkdirAll(filepath.Dir(record.OriginalPath), 0755); err != nil {
		monitoring.RecordTrashOp("restore", "failure")
		return apperrors.NewFileSystemError("create restore directory", err)
	}
	if err := moveWithFallback(record.TrashPath, record.OriginalPath); err != nil {
		monitoring.RecordTrashOp("restore", "failure")
		return err
	}

	m.logger.Debug("restored item", zap.String("path", record.OriginalPath))
	monitoring.RecordTrashOp("restore", "success")
	return nil
}

// Purge permanently deletes a trashed item
func (m *Manager) Purge(record *TrashRecord) error {
	return os.RemoveAll(record.TrashPath)
}

// moveWithFallback renames src to dest, degrading to copy+delete when the
// rename crosses a storage-device boundary.
func moveWithFallback(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return apperrors.NewFileSystemError(fmt.Sprintf("move %s", src), err)
	}

	if err := copyAll(src, dest); err != nil {
		os.RemoveAll(dest)
		return apperrors.NewFileSystemError(fmt.Sprintf("cross-device copy %s", src), err)
	}
	if err := os.RemoveAll(src); err != nil {
		return apperrors.NewFileSystemError(fmt.Sprintf("remove after copy %s", src), err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err == syscall.EXDEV
	}
	return false
}

// copyAll copies a file or directory tree preserving permissions
func copyAll(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest, info.Mode())
	}

	if err := os.MkdirAll(dest, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyAll(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
