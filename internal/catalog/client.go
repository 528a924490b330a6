package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
	"github.com/tunesync/tunesync-go/internal/monitoring"
	"github.com/tunesync/tunesync-go/internal/network"
)

// Lister is the narrow surface the sync reconciler needs from the catalog
type Lister interface {
	PlaylistByLink(ctx context.Context, link string) (*Playlist, error)
}

// Client handles remote catalog API interactions
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	rateLimiter *rate.Limiter
	retry       apperrors.RetryConfig
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewClient creates a new catalog client
func NewClient(baseURL string, requestsPerSecond float64, timeout time.Duration, logger *zap.Logger) *Client {
	config := network.DefaultClientConfig()
	config.Timeout = timeout

	interval := time.Duration(float64(time.Second) / requestsPerSecond)

	retry := apperrors.DefaultRetryConfig()
	retry.MaxRetries = 2
	retry.InitialBackoff = 500 * time.Millisecond
	retry.MaxBackoff = 5 * time.Second

	return &Client{
		httpClient:  network.NewClient(config),
		baseURL:     baseURL,
		rateLimiter: rate.NewLimiter(rate.Every(interval), int(requestsPerSecond)),
		retry:       retry,
		logger:      logger,
	}
}

// SetToken sets the bearer token used for catalog requests
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// PlaylistByLink fetches the track listing for a playlist or album link
func (c *Client) PlaylistByLink(ctx context.Context, link string) (*Playlist, error) {
	kind, id, err := ParseLink(link)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	switch kind {
	case "playlist":
		return c.playlist(ctx, id, link)
	case "album":
		return c.album(ctx, id, link)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("link is not a playlist or album: %s", link))
	}
}

// TrackByID fetches a single track
func (c *Client) TrackByID(ctx context.Context, id string) (*Track, error) {
	var raw rawTrack
	if err := c.get(ctx, "/tracks/"+url.PathEscape(id), "track", &raw); err != nil {
		return nil, err
	}
	track := raw.normalize()
	return &track, nil
}

// playlist fetches a playlist, following pagination
func (c *Client) playlist(ctx context.Context, id, link string) (*Playlist, error) {
	var raw rawPlaylist
	if err := c.get(ctx, "/playlists/"+url.PathEscape(id), "playlist", &raw); err != nil {
		return nil, err
	}

	pl := &Playlist{
		ID:   raw.ID,
		Name: raw.Name,
		Kind: "playlist",
		URL:  link,
	}
	for _, item := range raw.Tracks.Items {
		pl.Tracks = append(pl.Tracks, item.Track.normalize())
	}

	next := raw.Tracks.Next
	for next != "" {
		var page rawTrackPage
		if err := c.getAbsolute(ctx, next, "playlist_tracks", &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			pl.Tracks = append(pl.Tracks, item.Track.normalize())
		}
		next = page.Next
	}

	return pl, nil
}

// album fetches an album track listing
func (c *Client) album(ctx context.Context, id, link string) (*Playlist, error) {
	var raw rawAlbum
	if err := c.get(ctx, "/albums/"+url.PathEscape(id), "album", &raw); err != nil {
		return nil, err
	}

	pl := &Playlist{
		ID:   raw.ID,
		Name: raw.Name,
		Kind: "album",
		URL:  link,
	}
	for _, t := range raw.Tracks.Items {
		track := t.normalize()
		if track.Artist == "" && len(raw.Artists) > 0 {
			track.Artist = raw.Artists[0].Name
		}
		// Album track listings carry no per-track album object
		if track.ArtworkURL == "" && len(raw.Images) > 0 {
			track.ArtworkURL = raw.Images[0].URL
		}
		pl.Tracks = append(pl.Tracks, track)
	}

	return pl, nil
}

// Search searches the catalog for tracks
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", "track")
	q.Set("limit", fmt.Sprintf("%d", limit))

	var raw struct {
		Tracks rawTrackPage `json:"tracks"`
	}
	if err := c.get(ctx, "/search?"+q.Encode(), "search", &raw); err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(raw.Tracks.Items))
	for _, item := range raw.Tracks.Items {
		tracks = append(tracks, item.Track.normalize())
	}
	return tracks, nil
}

// get performs a GET against a path under the base URL
func (c *Client) get(ctx context.Context, path, endpoint string, out interface{}) error {
	return c.getAbsolute(ctx, c.baseURL+path, endpoint, out)
}

// getAbsolute performs a rate-limited, authenticated GET against a full URL,
// retrying transient failures with backoff. Auth failures never retry.
func (c *Client) getAbsolute(ctx context.Context, fullURL, endpoint string, out interface{}) error {
	return apperrors.RetryWithBackoff(ctx, c.retry, func() error {
		return c.doGet(ctx, fullURL, endpoint, out)
	})
}

func (c *Client) doGet(ctx context.Context, fullURL, endpoint string, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return apperrors.NewCancelledError("catalog request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return apperrors.NewNetworkError("failed to build catalog request", err)
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		monitoring.RecordCatalogRequest(endpoint, "error")
		return apperrors.NewNetworkError("catalog request failed", err)
	}
	defer resp.Body.Close()

	monitoring.RecordCatalogRequest(endpoint, fmt.Sprintf("%d", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.NewAuthError(fmt.Sprintf("catalog rejected credentials (status %d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewNetworkError("catalog rate limit exceeded", nil)
	case resp.StatusCode != http.StatusOK:
		return apperrors.NewNetworkError(fmt.Sprintf("catalog returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewNetworkError("failed to read catalog response", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewNetworkError("failed to decode catalog response", err)
	}

	return nil
}

// Raw API shapes, normalized before leaving this package.

type rawArtist struct {
	Name string `json:"name"`
}

type rawImage struct {
	URL string `json:"url"`
}

type rawTrack struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Artists      []rawArtist `json:"artists"`
	DurationMs   int64       `json:"duration_ms"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	Album struct {
		Images []rawImage `json:"images"`
	} `json:"album"`
}

func (r rawTrack) normalize() Track {
	artist := ""
	if len(r.Artists) > 0 {
		artist = r.Artists[0].Name
	}
	artwork := ""
	if len(r.Album.Images) > 0 {
		artwork = r.Album.Images[0].URL
	}
	return Track{
		ID:           r.ID,
		Name:         r.Name,
		Artist:       artist,
		DurationMs:   r.DurationMs,
		CanonicalURL: r.ExternalURLs.Spotify,
		ArtworkURL:   artwork,
	}
}

type rawTrackItem struct {
	Track rawTrack `json:"track"`
}

type rawTrackPage struct {
	Items []rawTrackItem `json:"items"`
	Next  string         `json:"next"`
}

type rawPlaylist struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Tracks rawTrackPage `json:"tracks"`
}

type rawAlbum struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Artists []rawArtist `json:"artists"`
	Images  []rawImage  `json:"images"`
	Tracks  struct {
		Items []rawTrack `json:"items"`
	} `json:"tracks"`
}
