package store

import (
	"path/filepath"
	"testing"

	"github.com/tunesync/tunesync-go/internal/cache"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHistoryStore(db)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := InitDB(path)
	if err != nil {
		t.Fatalf("First InitDB failed: %v", err)
	}
	db.Close()

	db, err = InitDB(path)
	if err != nil {
		t.Fatalf("Second InitDB failed: %v", err)
	}
	db.Close()
}

func TestRecordAndListDownloads(t *testing.T) {
	s := newTestStore(t)

	entries := []*cache.DownloadEntry{
		{RemoteURL: "https://cat/track/1", SourceURL: "https://m/1", Name: "One", Artist: "X", DurationMs: 200000, Playlist: "Mix", LocalPath: "/music/mix/01 - one.mp3", FileSize: 100},
		{RemoteURL: "https://cat/track/2", SourceURL: "https://m/2", Name: "Two", Artist: "X", DurationMs: 180000, Playlist: "Mix", LocalPath: "/music/mix/02 - two.mp3", FileSize: 200},
		{SourceURL: "https://m/3", Name: "Loose", LocalPath: "/music/loose.mp3"},
	}
	for _, e := range entries {
		if err := s.RecordDownload(e); err != nil {
			t.Fatalf("RecordDownload failed: %v", err)
		}
	}

	recent, err := s.RecentDownloads(10)
	if err != nil {
		t.Fatalf("RecentDownloads failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(recent))
	}
	if recent[0].Name != "Loose" {
		t.Errorf("Expected newest first, got %s", recent[0].Name)
	}

	mix, err := s.PlaylistDownloads("Mix", 10)
	if err != nil {
		t.Fatalf("PlaylistDownloads failed: %v", err)
	}
	if len(mix) != 2 {
		t.Errorf("Expected 2 playlist entries, got %d", len(mix))
	}
}

func TestRecentDownloadsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.RecordDownload(&cache.DownloadEntry{Name: "T", LocalPath: "/music/t.mp3"})
	}
	recent, err := s.RecentDownloads(2)
	if err != nil {
		t.Fatalf("RecentDownloads failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("Expected limit 2, got %d", len(recent))
	}
}

func TestRecordAndListSyncs(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordSync("/music/mix", 3, 1, 2, 2); err != nil {
		t.Fatalf("RecordSync failed: %v", err)
	}
	runs, err := s.RecentSyncs(10)
	if err != nil {
		t.Fatalf("RecentSyncs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Added != 3 || runs[0].Changed != 1 || runs[0].Removed != 2 || runs[0].FilesRemoved != 2 {
		t.Errorf("Unexpected run: %+v", runs[0])
	}
}
