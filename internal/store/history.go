package store

import (
	"database/sql"
	"time"

	"github.com/tunesync/tunesync-go/internal/cache"
)

// HistoryStore records completed downloads and sync runs
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore wraps an initialized database
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// HistoryEntry is one row of download history
type HistoryEntry struct {
	ID           int64
	RemoteURL    string
	SourceURL    string
	Name         string
	Artist       string
	DurationMs   int64
	Playlist     string
	LocalPath    string
	FileSize     int64
	DownloadedAt time.Time
}

// SyncRun is one row of playlist sync history
type SyncRun struct {
	ID           int64
	PlaylistPath string
	Added        int
	Changed      int
	Removed      int
	FilesRemoved int
	SyncedAt     time.Time
}

// RecordDownload appends one completed download to the history
func (s *HistoryStore) RecordDownload(entry *cache.DownloadEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO download_history (remote_url, source_url, name, artist, duration_ms, playlist, local_path, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RemoteURL, entry.SourceURL, entry.Name, entry.Artist,
		entry.DurationMs, entry.Playlist, entry.LocalPath, entry.FileSize,
	)
	return err
}

// RecordSync appends one sync run to the history
func (s *HistoryStore) RecordSync(playlistPath string, added, changed, removed, filesRemoved int) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_history (playlist_path, added, changed, removed, files_removed)
		VALUES (?, ?, ?, ?, ?)`,
		playlistPath, added, changed, removed, filesRemoved,
	)
	return err
}

// RecentDownloads returns the newest downloads, most recent first
func (s *HistoryStore) RecentDownloads(limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, remote_url, source_url, name, artist, duration_ms, playlist, local_path, file_size, downloaded_at
		FROM download_history
		ORDER BY downloaded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.RemoteURL, &e.SourceURL, &e.Name, &e.Artist,
			&e.DurationMs, &e.Playlist, &e.LocalPath, &e.FileSize, &e.DownloadedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PlaylistDownloads returns the history of one playlist, most recent first
func (s *HistoryStore) PlaylistDownloads(playlist string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, remote_url, source_url, name, artist, duration_ms, playlist, local_path, file_size, downloaded_at
		FROM download_history
		WHERE playlist = ?
		ORDER BY downloaded_at DESC, id DESC
		LIMIT ?`, playlist, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.RemoteURL, &e.SourceURL, &e.Name, &e.Artist,
			&e.DurationMs, &e.Playlist, &e.LocalPath, &e.FileSize, &e.DownloadedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentSyncs returns the newest sync runs, most recent first
func (s *HistoryStore) RecentSyncs(limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(`
		SELECT id, playlist_path, added, changed, removed, files_removed, synced_at
		FROM sync_history
		ORDER BY synced_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.PlaylistPath, &r.Added, &r.Changed,
			&r.Removed, &r.FilesRemoved, &r.SyncedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
