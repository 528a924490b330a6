package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

// Track is a remote catalog track normalized for the engine
type Track struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Artist       string `json:"artist"`
	DurationMs   int64  `json:"duration_ms"`
	CanonicalURL string `json:"canonical_url"`
	ArtworkURL   string `json:"artwork_url,omitempty"`
}

// Playlist is a remote playlist or album with its normalized track listing
type Playlist struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Kind   string  `json:"kind"` // playlist, album
	URL    string  `json:"url"`
	Tracks []Track `json:"tracks"`
}

// Query returns the search query string used to resolve a track against the
// media search tool: "artist - name".
func (t Track) Query() string {
	if t.Artist == "" {
		return t.Name
	}
	return t.Artist + " - " + t.Name
}

// ParseLink splits a remote catalog link into its kind and id.
// Accepted shapes: .../playlist/{id}, .../album/{id}, .../track/{id}.
func ParseLink(link string) (kind, id string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("invalid catalog link %q: %w", link, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		switch parts[i] {
		case "playlist", "album", "track":
			id = parts[i+1]
			if j := strings.IndexByte(id, '?'); j >= 0 {
				id = id[:j]
			}
			return parts[i], id, nil
		}
	}

	return "", "", fmt.Errorf("unrecognized catalog link: %s", link)
}
