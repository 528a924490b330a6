package metadata

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// writeBareMP3 writes an untagged file; id3v2 prepends its tag on save
func writeBareMP3(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 256), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestApplyReadMP3(t *testing.T) {
	m := NewManager(Config{})
	path := writeBareMP3(t, t.TempDir())

	in := &TrackTags{
		Title:       "First Song",
		Artist:      "Artist",
		Album:       "Album",
		TrackNumber: 3,
		Year:        2021,
		Genre:       "Electronic",
	}
	if err := m.Apply(path, in); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	out, err := m.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if out.Title != in.Title || out.Artist != in.Artist || out.Album != in.Album {
		t.Errorf("Tag mismatch: %+v", out)
	}
	if out.TrackNumber != 3 || out.Year != 2021 {
		t.Errorf("Numeric tags lost: %+v", out)
	}
}

func TestCopyCarriesTags(t *testing.T) {
	m := NewManager(Config{})
	dir := t.TempDir()
	src := writeBareMP3(t, dir)

	dest := filepath.Join(dir, "reencoded.mp3")
	if err := os.WriteFile(dest, bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 128), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := m.Apply(src, &TrackTags{Title: "Kept", Artist: "A"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := m.Copy(src, dest); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	out, err := m.Read(dest)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if out.Title != "Kept" || out.Artist != "A" {
		t.Errorf("Tags not carried: %+v", out)
	}
}

func TestCopySkipsUnsupportedFormats(t *testing.T) {
	m := NewManager(Config{})
	dir := t.TempDir()
	src := filepath.Join(dir, "a.opus")
	dest := filepath.Join(dir, "b.opus")
	os.WriteFile(src, []byte("x"), 0644)
	os.WriteFile(dest, []byte("y"), 0644)

	if err := m.Copy(src, dest); err != nil {
		t.Errorf("Copy should skip unsupported formats, got %v", err)
	}
}

func TestApplyUnsupportedFormat(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Apply("/x/a.wav", &TrackTags{Title: "X"}); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestResizeImageShrinksLargest(t *testing.T) {
	data := encodePNG(t, 400, 200)

	resized, err := resizeImage(data, 100)
	if err != nil {
		t.Fatalf("resizeImage failed: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Errorf("Expected width 100, got %d", img.Bounds().Dx())
	}
}

func TestResizeImagePassThroughSmall(t *testing.T) {
	data := encodePNG(t, 50, 50)
	resized, err := resizeImage(data, 100)
	if err != nil {
		t.Fatalf("resizeImage failed: %v", err)
	}
	if !bytes.Equal(resized, data) {
		t.Error("Small image should pass through unchanged")
	}
}

func TestArtworkFetcherCaches(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "image/png")
		w.Write(encodePNG(t, 50, 50))
	}))
	defer server.Close()

	fetcher, err := NewArtworkFetcher(filepath.Join(t.TempDir(), "artwork"))
	if err != nil {
		t.Fatalf("NewArtworkFetcher failed: %v", err)
	}

	first, _, err := fetcher.Fetch(server.URL+"/cover.png", 100)
	if err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}
	second, _, err := fetcher.Fetch(server.URL+"/cover.png", 100)
	if err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}

	if requests != 1 {
		t.Errorf("Expected 1 upstream request, got %d", requests)
	}
	if !bytes.Equal(first, second) {
		t.Error("Cached artwork differs from original")
	}
}

func TestBuildFLACPictureBlock(t *testing.T) {
	data := buildFLACPictureBlock([]byte{1, 2, 3}, "image/png")

	// Picture type 3 (front cover) in the first 4 bytes
	if data[3] != 3 {
		t.Errorf("Expected picture type 3, got %d", data[3])
	}
	// MIME length follows
	mimeLen := int(data[7])
	if mimeLen != len("image/png") {
		t.Errorf("Unexpected MIME length %d", mimeLen)
	}
	// Image bytes at the tail
	if !bytes.Equal(data[len(data)-3:], []byte{1, 2, 3}) {
		t.Error("Image data not at block tail")
	}
}
