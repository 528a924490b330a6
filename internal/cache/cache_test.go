package cache

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	in := map[string]int{"a": 1, "b": 2}
	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatalf("AtomicWriteJSON failed: %v", err)
	}

	var out map[string]int
	if err := LoadJSON(path, &out); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("Round trip mismatch: %v", out)
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the store file, found %d entries", len(entries))
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Artist - Song", "artist - song"},
		{"  Artist   -  Song  ", "artist - song"},
		{"ARTIST - SONG", "artist - song"},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	a := NormalizePath("/Music/Playlist/../Playlist/Song.mp3")
	b := NormalizePath("/music/playlist/song.mp3")
	if a != b {
		t.Errorf("Expected equivalent paths to normalize identically: %q vs %q", a, b)
	}
}

func TestLinkCacheWriteThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")

	c, err := NewLinkCache(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLinkCache failed: %v", err)
	}
	if err := c.Put("Artist - Song", "https://media.example/watch?v=abc"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A fresh instance must see the entry without any explicit save
	c2, err := NewLinkCache(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	url, ok := c2.Get("  artist -  song")
	if !ok || url != "https://media.example/watch?v=abc" {
		t.Errorf("Expected normalized hit after reload, got %q ok=%v", url, ok)
	}
}

func TestLinkCacheCorruptReinit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c, err := NewLinkCache(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected corrupt cache to reinitialize, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after reinit, got %d entries", c.Len())
	}

	// The corrupt file must have been replaced with a valid empty store
	var file linkCacheFile
	if err := LoadJSON(path, &file); err != nil {
		t.Errorf("Store still unreadable after reinit: %v", err)
	}
}

func TestLinkCacheClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	c, err := NewLinkCache(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLinkCache failed: %v", err)
	}
	c.Put("a", "https://x/1")
	c.Put("b", "https://x/2")
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Expected 0 entries after clear, got %d", c.Len())
	}
}

func TestDownloadIndexIdentityPriority(t *testing.T) {
	tests := []struct {
		name  string
		entry DownloadEntry
		want  string
	}{
		{"remote wins", DownloadEntry{RemoteURL: "https://cat/track/1", SourceURL: "https://m/v", LocalPath: "/x/a.mp3"}, "https://cat/track/1"},
		{"source next", DownloadEntry{SourceURL: "https://m/v", LocalPath: "/x/a.mp3"}, "https://m/v"},
		{"path last", DownloadEntry{LocalPath: "/X/A.mp3"}, "/x/a.mp3"},
	}
	for _, tt := range tests {
		if got := tt.entry.IdentityKey(); got != tt.want {
			t.Errorf("%s: IdentityKey = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDownloadIndexUpsertUpdatesNotDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	idx, err := NewDownloadIndex(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDownloadIndex failed: %v", err)
	}

	first := &DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/a.mp3", Name: "A"}
	if err := idx.Upsert(first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	created := first.CreatedAt

	second := &DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/b.mp3", Name: "A"}
	if err := idx.Upsert(second); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	if idx.Len() != 1 {
		t.Errorf("Expected 1 entry after re-download, got %d", idx.Len())
	}
	got, ok := idx.Lookup("https://cat/track/1")
	if !ok {
		t.Fatal("Lookup missed after upsert")
	}
	if got.LocalPath != "/music/b.mp3" {
		t.Errorf("Expected updated path, got %s", got.LocalPath)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v vs %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) && !got.UpdatedAt.Equal(created) {
		t.Errorf("UpdatedAt not refreshed: %v", got.UpdatedAt)
	}
}

func TestDownloadIndexRemoveByPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	idx, err := NewDownloadIndex(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDownloadIndex failed: %v", err)
	}
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/a.mp3"})
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/2", LocalPath: "/music/b.mp3"})

	if err := idx.RemoveByPath("/Music/A.mp3"); err != nil {
		t.Fatalf("RemoveByPath failed: %v", err)
	}
	if idx.Len() != 1 {
		t.Errorf("Expected 1 entry after removal, got %d", idx.Len())
	}
	if _, ok := idx.Lookup("https://cat/track/1"); ok {
		t.Error("Removed entry still present")
	}
}

func TestDownloadIndexRemoveUnderPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	idx, err := NewDownloadIndex(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDownloadIndex failed: %v", err)
	}
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/summer/a.mp3"})
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/2", LocalPath: "/music/summer/b.mp3"})
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/3", LocalPath: "/music/winter/c.mp3"})

	removed, err := idx.RemoveUnderPrefix("/music/summer")
	if err != nil {
		t.Fatalf("RemoveUnderPrefix failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removals, got %d", removed)
	}
	if _, ok := idx.Lookup("https://cat/track/3"); !ok {
		t.Error("Sibling playlist entry should survive")
	}
}

func TestDownloadIndexRewritePathPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	idx, err := NewDownloadIndex(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDownloadIndex failed: %v", err)
	}
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/old/a.mp3"})
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/2", LocalPath: "/music/other/b.mp3"})

	rewritten, err := idx.RewritePathPrefix("/music/old", "/music/new")
	if err != nil {
		t.Fatalf("RewritePathPrefix failed: %v", err)
	}
	if rewritten != 1 {
		t.Errorf("Expected 1 rewrite, got %d", rewritten)
	}
	got, _ := idx.Lookup("https://cat/track/1")
	if got.LocalPath != "/music/new/a.mp3" {
		t.Errorf("Path not rewritten: %s", got.LocalPath)
	}
}

func TestDownloadIndexRewriteExactFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	idx, err := NewDownloadIndex(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDownloadIndex failed: %v", err)
	}
	idx.Upsert(&DownloadEntry{RemoteURL: "https://cat/track/1", LocalPath: "/music/p/01 - old.mp3"})

	rewritten, err := idx.RewritePathPrefix("/music/p/01 - old.mp3", "/music/p/02 - new.mp3")
	if err != nil {
		t.Fatalf("RewritePathPrefix failed: %v", err)
	}
	if rewritten != 1 {
		t.Errorf("Expected 1 rewrite, got %d", rewritten)
	}
	got, _ := idx.Lookup("https://cat/track/1")
	if got.LocalPath != "/music/p/02 - new.mp3" {
		t.Errorf("File rename not applied: %s", got.LocalPath)
	}
}

func TestSyncStatePutGetRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	s, err := NewSyncState(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSyncState failed: %v", err)
	}

	entry := &PlaylistEntry{
		Source: &SyncSource{Link: "https://cat/playlist/9", Kind: "playlist", ID: "9", DisplayName: "Mix"},
		Tracks: map[string]SyncTrack{
			"t1": {RemoteID: "t1", Name: "A", Artist: "X", DurationMs: 201000, Position: 0, LocalPath: "/music/mix/01 - a.mp3"},
		},
	}
	if err := s.Put("/Music/Mix", entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Case-insensitive key lookup after reload
	s2, err := NewSyncState(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	got, ok := s2.Get("/music/mix")
	if !ok {
		t.Fatal("Entry missing after reload")
	}
	if got.Source == nil || got.Source.ID != "9" {
		t.Errorf("Source not preserved: %+v", got.Source)
	}
	if got.Tracks["t1"].DurationMs != 201000 {
		t.Errorf("Track not preserved: %+v", got.Tracks["t1"])
	}

	if err := s2.Remove("/music/mix"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := s2.Get("/music/mix"); ok {
		t.Error("Entry present after remove")
	}
}

func TestSyncStateRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	s, err := NewSyncState(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSyncState failed: %v", err)
	}
	s.Put("/music/old", &PlaylistEntry{Tracks: map[string]SyncTrack{}})

	if err := s.Rename("/music/old", "/music/new"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, ok := s.Get("/music/old"); ok {
		t.Error("Old key still present after rename")
	}
	if _, ok := s.Get("/music/new"); !ok {
		t.Error("New key missing after rename")
	}
}

func TestSyncStateGetReturnsClone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	s, err := NewSyncState(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSyncState failed: %v", err)
	}
	s.Put("/music/mix", &PlaylistEntry{Tracks: map[string]SyncTrack{"t1": {RemoteID: "t1"}}})

	got, _ := s.Get("/music/mix")
	got.Tracks["t2"] = SyncTrack{RemoteID: "t2"}

	again, _ := s.Get("/music/mix")
	if len(again.Tracks) != 1 {
		t.Errorf("Caller mutation leaked into store: %d tracks", len(again.Tracks))
	}
}
