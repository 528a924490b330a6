package metadata

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"

	"github.com/tunesync/tunesync-go/internal/network"
)

// ArtworkFetcher downloads cover art, resizes it to the configured dimension,
// and caches it on disk keyed by URL and size.
type ArtworkFetcher struct {
	cacheDir   string
	httpClient *http.Client
}

// NewArtworkFetcher creates a fetcher caching under cacheDir
func NewArtworkFetcher(cacheDir string) (*ArtworkFetcher, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artwork cache directory: %w", err)
	}
	return &ArtworkFetcher{
		cacheDir:   cacheDir,
		httpClient: network.GetDefaultClient(),
	}, nil
}

// Fetch returns artwork bytes and MIME type for a URL, resized so the longest
// edge is at most targetSize pixels.
func (a *ArtworkFetcher) Fetch(url string, targetSize int) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("artwork URL cannot be empty")
	}

	cachePath := filepath.Join(a.cacheDir, a.cacheKey(url, targetSize))
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, "image/jpeg", nil
	}

	resp, err := a.httpClient.Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download artwork: status %d", resp.StatusCode)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artwork data: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if targetSize > 0 {
		if resized, err := resizeImage(imageData, targetSize); err == nil {
			imageData = resized
		}
	}

	// Best-effort cache write; a miss next time just re-downloads
	tmpPath := cachePath + ".tmp"
	if err := os.WriteFile(tmpPath, imageData, 0644); err == nil {
		if err := os.Rename(tmpPath, cachePath); err != nil {
			os.Remove(tmpPath)
		}
	}

	return imageData, mimeType, nil
}

// EmbedArtwork fetches artwork and embeds it into a file, preserving the
// file's existing tags.
func (m *Manager) EmbedArtwork(fetcher *ArtworkFetcher, path, artworkURL string) error {
	if !m.config.EmbedArtwork || artworkURL == "" {
		return nil
	}
	if !supported(path) {
		return nil
	}

	data, mimeType, err := fetcher.Fetch(artworkURL, m.config.ArtworkSize)
	if err != nil {
		return err
	}

	tags, err := m.Read(path)
	if err != nil {
		tags = &TrackTags{}
	}
	tags.ArtworkData = data
	tags.ArtworkMIME = mimeType
	return m.Apply(path, tags)
}

func (a *ArtworkFetcher) cacheKey(url string, size int) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s_%d", url, size)))
	return hex.EncodeToString(hash[:]) + ".jpg"
}

// resizeImage scales an image so its longest edge equals targetSize,
// preserving aspect ratio. Images already small enough pass through.
func resizeImage(imageData []byte, targetSize int) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= targetSize && height <= targetSize {
		return imageData, nil
	}

	var resized image.Image
	if width > height {
		resized = resize.Resize(uint(targetSize), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(targetSize), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
	default:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
