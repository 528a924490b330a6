// Package cache implements the engine's persisted stores: the query→URL link
// cache, the content-addressed download index, and the playlist sync state.
// Every store follows the same lifecycle: loaded once at startup (a missing
// or corrupt file reinitializes empty), mutated in memory, and flushed to
// disk atomically on every mutating call.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const schemaVersion = 1

// AtomicWriteJSON persists v as JSON via write-temp-then-rename so a crash
// mid-write never corrupts the store.
func AtomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// LoadJSON reads a JSON store file into v. Returns os.ErrNotExist when the
// file is missing.
func LoadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// NormalizeQuery canonicalizes a search query for link-cache keying
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// NormalizePath canonicalizes a filesystem path for store keying
func NormalizePath(p string) string {
	cleaned := filepath.Clean(p)
	return strings.ToLower(filepath.ToSlash(cleaned))
}
