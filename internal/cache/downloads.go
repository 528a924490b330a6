package cache

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/monitoring"
)

// DownloadEntry records one materialized download, keyed by content identity
type DownloadEntry struct {
	RemoteURL  string    `json:"remote_url,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	LocalPath  string    `json:"local_path"`
	Name       string    `json:"name"`
	Artist     string    `json:"artist,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Playlist   string    `json:"playlist,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdentityKey returns the priority-ordered identity for deduplication:
// remote catalog URL over source URL over normalized local path.
func (e *DownloadEntry) IdentityKey() string {
	if e.RemoteURL != "" {
		return e.RemoteURL
	}
	if e.SourceURL != "" {
		return e.SourceURL
	}
	return NormalizePath(e.LocalPath)
}

// DownloadIndex is the content-addressed index of every tracked download
type DownloadIndex struct {
	path    string
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]*DownloadEntry
}

type downloadIndexFile struct {
	Version int                       `json:"version"`
	Entries map[string]*DownloadEntry `json:"entries"`
}

// NewDownloadIndex loads the index from path, initializing empty when the
// file is missing or unreadable.
func NewDownloadIndex(path string, logger *zap.Logger) (*DownloadIndex, error) {
	idx := &DownloadIndex{
		path:    path,
		logger:  logger,
		entries: make(map[string]*DownloadEntry),
	}

	var file downloadIndexFile
	err := LoadJSON(path, &file)
	switch {
	case err == nil && file.Entries != nil:
		// Normalize on load: drop entries whose identity no longer hashes
		// to their key (written by older versions)
		for key, entry := range file.Entries {
			if entry == nil || entry.LocalPath == "" {
				continue
			}
			if entry.IdentityKey() != key {
				idx.entries[entry.IdentityKey()] = entry
				continue
			}
			idx.entries[key] = entry
		}
	case os.IsNotExist(err):
		if err := idx.flush(); err != nil {
			return nil, err
		}
	default:
		logger.Warn("download index unreadable, reinitializing", zap.Error(err))
		if err := idx.flush(); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// Lookup finds an entry by identity key
func (idx *DownloadIndex) Lookup(key string) (*DownloadEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[key]
	if !ok {
		return nil, false
	}
	clone := *entry
	return &clone, true
}

// Upsert inserts or updates the entry for its identity key. Re-downloads
// update the existing entry rather than duplicating it.
func (idx *DownloadIndex) Upsert(entry *DownloadEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := entry.IdentityKey()
	now := time.Now()
	if existing, ok := idx.entries[key]; ok {
		entry.CreatedAt = existing.CreatedAt
	} else {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	clone := *entry
	idx.entries[key] = &clone
	return idx.flush()
}

// Remove deletes the entry for key
func (idx *DownloadIndex) Remove(key string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[key]; !ok {
		return nil
	}
	delete(idx.entries, key)
	return idx.flush()
}

// RemoveByPath deletes the entry tracking the given local file
func (idx *DownloadIndex) RemoveByPath(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	normalized := NormalizePath(path)
	removed := false
	for key, entry := range idx.entries {
		if NormalizePath(entry.LocalPath) == normalized {
			delete(idx.entries, key)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return idx.flush()
}

// RemoveUnderPrefix deletes every entry whose local path lives under prefix.
// Used when a playlist folder is deleted wholesale.
func (idx *DownloadIndex) RemoveUnderPrefix(prefix string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	normalized := strings.TrimSuffix(NormalizePath(prefix), "/") + "/"
	removed := 0
	for key, entry := range idx.entries {
		if strings.HasPrefix(NormalizePath(entry.LocalPath)+"/", normalized) ||
			strings.HasPrefix(NormalizePath(entry.LocalPath), normalized) {
			delete(idx.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, idx.flush()
}

// RewritePathPrefix rewrites every entry's local path when a file or its
// containing playlist moves. Returns the number of rewritten entries.
func (idx *DownloadIndex) RewritePathPrefix(oldPrefix, newPrefix string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldNorm := strings.TrimSuffix(NormalizePath(oldPrefix), "/")
	rewritten := 0
	for _, entry := range idx.entries {
		pathNorm := NormalizePath(entry.LocalPath)
		if pathNorm == oldNorm {
			entry.LocalPath = newPrefix
			entry.UpdatedAt = time.Now()
			rewritten++
			continue
		}
		if strings.HasPrefix(pathNorm, oldNorm+"/") {
			suffix := entry.LocalPath[len(oldNorm):]
			entry.LocalPath = newPrefix + suffix
			entry.UpdatedAt = time.Now()
			rewritten++
		}
	}
	if rewritten == 0 {
		return 0, nil
	}
	return rewritten, idx.flush()
}

// Len returns the number of tracked downloads
func (idx *DownloadIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// flush persists the index; callers hold the lock
func (idx *DownloadIndex) flush() error {
	monitoring.RecordCacheWrite("downloads")
	return AtomicWriteJSON(idx.path, downloadIndexFile{Version: schemaVersion, Entries: idx.entries})
}
