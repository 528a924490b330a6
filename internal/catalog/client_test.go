package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(server.URL, 100, 5*time.Second, zap.NewNop())
	client.SetToken("test-token")
	return client, server
}

func TestParseLink(t *testing.T) {
	tests := []struct {
		link     string
		wantKind string
		wantID   string
		wantErr  bool
	}{
		{"https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M", "playlist", "37i9dQZF1DXcBWIGoYBM5M", false},
		{"https://open.spotify.com/album/4aawyAB9vmqN3uQ7FjRGTy", "album", "4aawyAB9vmqN3uQ7FjRGTy", false},
		{"https://open.spotify.com/track/11dFghVXANMlKmJXsNCbNl?si=abc", "track", "11dFghVXANMlKmJXsNCbNl", false},
		{"https://open.spotify.com/intl-de/playlist/xyz123", "playlist", "xyz123", false},
		{"https://example.com/nothing/here", "", "", true},
		{"not a url at all ::", "", "", true},
	}

	for _, tt := range tests {
		kind, id, err := ParseLink(tt.link)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLink(%q) error = %v, wantErr %v", tt.link, err, tt.wantErr)
			continue
		}
		if kind != tt.wantKind || id != tt.wantID {
			t.Errorf("ParseLink(%q) = (%q, %q), want (%q, %q)", tt.link, kind, id, tt.wantKind, tt.wantID)
		}
	}
}

func TestTrackQuery(t *testing.T) {
	track := Track{Name: "Song", Artist: "Artist"}
	if got := track.Query(); got != "Artist - Song" {
		t.Errorf("Unexpected query: %q", got)
	}
	track.Artist = ""
	if got := track.Query(); got != "Song" {
		t.Errorf("Unexpected query without artist: %q", got)
	}
}

func TestPlaylistByLink(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/playlists/pl1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{
			"id": "pl1",
			"name": "Road Trip",
			"tracks": {
				"items": [
					{"track": {"id": "t1", "name": "First", "artists": [{"name": "A"}], "duration_ms": 201000,
						"external_urls": {"spotify": "https://open.spotify.com/track/t1"},
						"album": {"images": [{"url": "https://img.example/t1.jpg"}]}}},
					{"track": {"id": "t2", "name": "Second", "artists": [{"name": "B"}], "duration_ms": 185000,
						"external_urls": {"spotify": "https://open.spotify.com/track/t2"}}}
				],
				"next": ""
			}
		}`))
	})

	pl, err := client.PlaylistByLink(context.Background(), "https://open.spotify.com/playlist/pl1")
	if err != nil {
		t.Fatalf("PlaylistByLink failed: %v", err)
	}

	if pl.Name != "Road Trip" {
		t.Errorf("Expected playlist name, got %q", pl.Name)
	}
	if len(pl.Tracks) != 2 {
		t.Fatalf("Expected 2 tracks, got %d", len(pl.Tracks))
	}
	if pl.Tracks[0].Artist != "A" || pl.Tracks[0].DurationMs != 201000 {
		t.Errorf("Track not normalized: %+v", pl.Tracks[0])
	}
	if pl.Tracks[0].ArtworkURL != "https://img.example/t1.jpg" {
		t.Errorf("Artwork URL not carried: %+v", pl.Tracks[0])
	}
	if pl.Tracks[1].CanonicalURL != "https://open.spotify.com/track/t2" {
		t.Errorf("Canonical URL not carried: %+v", pl.Tracks[1])
	}
}

func TestPlaylistPagination(t *testing.T) {
	var server *httptest.Server
	calls := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Path {
		case "/playlists/pl2":
			w.Write([]byte(`{"id": "pl2", "name": "Long", "tracks": {
				"items": [{"track": {"id": "t1", "name": "One", "artists": [{"name": "A"}], "duration_ms": 1000}}],
				"next": "` + server.URL + `/page2"}}`))
		case "/page2":
			w.Write([]byte(`{"items": [{"track": {"id": "t2", "name": "Two", "artists": [{"name": "A"}], "duration_ms": 2000}}], "next": ""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, 100, 5*time.Second, zap.NewNop())
	pl, err := client.PlaylistByLink(context.Background(), "https://open.spotify.com/playlist/pl2")
	if err != nil {
		t.Fatalf("PlaylistByLink failed: %v", err)
	}
	if len(pl.Tracks) != 2 {
		t.Errorf("Expected 2 tracks across pages, got %d", len(pl.Tracks))
	}
	if calls != 2 {
		t.Errorf("Expected 2 requests, got %d", calls)
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.PlaylistByLink(context.Background(), "https://open.spotify.com/playlist/pl1")
	if err == nil {
		t.Fatal("Expected error")
	}
	if !apperrors.IsAuthError(err) {
		t.Errorf("Expected auth error, got: %v", err)
	}
	if !apperrors.IsFatal(err) {
		t.Error("Auth errors must be fatal to the batch")
	}
}

func TestTransientFailureRetries(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id": "t1", "name": "Song", "artists": [{"name": "A"}], "duration_ms": 1000}`))
	})

	track, err := client.TrackByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TrackByID failed after transient error: %v", err)
	}
	if track.Name != "Song" {
		t.Errorf("Unexpected track: %+v", track)
	}
	if calls != 2 {
		t.Errorf("Expected 2 requests, got %d", calls)
	}
}

func TestSearch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("q"); got != "Artist - Song" {
			t.Errorf("Unexpected query param: %q", got)
		}
		w.Write([]byte(`{"tracks": {"items": [
			{"track": {"id": "t9", "name": "Song", "artists": [{"name": "Artist"}], "duration_ms": 180000}}
		]}}`))
	})

	tracks, err := client.Search(context.Background(), "Artist - Song", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "t9" {
		t.Errorf("Unexpected search results: %+v", tracks)
	}
}

func TestBadLinkKind(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.PlaylistByLink(context.Background(), "https://open.spotify.com/track/t1")
	if err == nil {
		t.Fatal("Expected error for track link passed as playlist")
	}
}
