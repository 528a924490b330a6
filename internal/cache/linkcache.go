package cache

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/monitoring"
)

// LinkCache maps normalized search queries to resolved source URLs. Entries
// are written through on every miss so a crash never loses a resolution.
type LinkCache struct {
	path    string
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]string
}

type linkCacheFile struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// NewLinkCache loads the link cache from path, initializing an empty store
// when the file is missing or unreadable.
func NewLinkCache(path string, logger *zap.Logger) (*LinkCache, error) {
	c := &LinkCache{
		path:    path,
		logger:  logger,
		entries: make(map[string]string),
	}

	var file linkCacheFile
	err := LoadJSON(path, &file)
	switch {
	case err == nil && file.Entries != nil:
		c.entries = file.Entries
	case os.IsNotExist(err):
		if err := c.flush(); err != nil {
			return nil, err
		}
	default:
		// Corrupt store: reinitialize rather than fail startup
		logger.Warn("link cache unreadable, reinitializing", zap.Error(err))
		if err := c.flush(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Get returns the cached URL for a query
func (c *LinkCache) Get(query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.entries[NormalizeQuery(query)]
	return url, ok
}

// Put stores a resolved URL and flushes immediately
func (c *LinkCache) Put(query, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[NormalizeQuery(query)] = url
	return c.flush()
}

// Clear removes every entry
func (c *LinkCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
	return c.flush()
}

// Len returns the number of cached resolutions
func (c *LinkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// flush persists the store; callers hold the lock
func (c *LinkCache) flush() error {
	monitoring.RecordCacheWrite("link")
	return AtomicWriteJSON(c.path, linkCacheFile{Version: schemaVersion, Entries: c.entries})
}
