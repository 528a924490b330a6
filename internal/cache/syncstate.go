package cache

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/monitoring"
)

// SyncSource identifies the remote origin of a tracked playlist folder
type SyncSource struct {
	Link        string    `json:"link"`
	Kind        string    `json:"kind"` // playlist, album
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSynced  time.Time `json:"last_synced"`
}

// SyncTrack is the cached snapshot of one remote track inside a playlist.
// Positions are contiguous indices matching remote ordering after a
// successful sync.
type SyncTrack struct {
	RemoteID   string    `json:"remote_id"`
	Name       string    `json:"name"`
	Artist     string    `json:"artist"`
	DurationMs int64     `json:"duration_ms"`
	Position   int       `json:"position"`
	LocalPath  string    `json:"local_path"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PlaylistEntry is the sync state for one local playlist folder
type PlaylistEntry struct {
	Source *SyncSource          `json:"source"`
	Tracks map[string]SyncTrack `json:"tracks"`
}

// SyncState persists the per-playlist reconciliation snapshots
type SyncState struct {
	path    string
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]*PlaylistEntry
}

type syncStateFile struct {
	Version int                       `json:"version"`
	Entries map[string]*PlaylistEntry `json:"entries"`
}

// NewSyncState loads the sync state from path, initializing empty when the
// file is missing or unreadable.
func NewSyncState(path string, logger *zap.Logger) (*SyncState, error) {
	s := &SyncState{
		path:    path,
		logger:  logger,
		entries: make(map[string]*PlaylistEntry),
	}

	var file syncStateFile
	err := LoadJSON(path, &file)
	switch {
	case err == nil && file.Entries != nil:
		// Normalize on load: ensure track maps exist
		for key, entry := range file.Entries {
			if entry == nil {
				continue
			}
			if entry.Tracks == nil {
				entry.Tracks = make(map[string]SyncTrack)
			}
			s.entries[key] = entry
		}
	case os.IsNotExist(err):
		if err := s.flush(); err != nil {
			return nil, err
		}
	default:
		logger.Warn("sync state unreadable, reinitializing", zap.Error(err))
		if err := s.flush(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Get returns the entry for a playlist folder path
func (s *SyncState) Get(playlistPath string) (*PlaylistEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[NormalizePath(playlistPath)]
	if !ok {
		return nil, false
	}

	clone := &PlaylistEntry{Tracks: make(map[string]SyncTrack, len(entry.Tracks))}
	if entry.Source != nil {
		src := *entry.Source
		clone.Source = &src
	}
	for id, track := range entry.Tracks {
		clone.Tracks[id] = track
	}
	return clone, true
}

// Put rewrites the entry for a playlist folder path
func (s *SyncState) Put(playlistPath string, entry *PlaylistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[NormalizePath(playlistPath)] = entry
	return s.flush()
}

// Rename moves an entry to a new playlist folder path
func (s *SyncState) Rename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey := NormalizePath(oldPath)
	entry, ok := s.entries[oldKey]
	if !ok {
		return nil
	}
	delete(s.entries, oldKey)
	s.entries[NormalizePath(newPath)] = entry
	return s.flush()
}

// Remove deletes the entry for a playlist folder path
func (s *SyncState) Remove(playlistPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizePath(playlistPath)
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flush()
}

// flush persists the store; callers hold the lock
func (s *SyncState) flush() error {
	monitoring.RecordCacheWrite("sync")
	return AtomicWriteJSON(s.path, syncStateFile{Version: schemaVersion, Entries: s.entries})
}
