package tool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Instance is an isolated copy of the fetch tool with its own working
// directory. External tools keep per-invocation mutable state (temp and
// plugin files) next to the executable; sharing one directory across
// concurrent processes corrupts it, so every concurrent slot gets a copy.
type Instance struct {
	ID     int
	Dir    string
	Binary string
}

// PoolConfig configures instance preparation
type PoolConfig struct {
	// ToolsDir holds bundled tool candidates (newest version wins)
	ToolsDir string
	// WorkDir is where per-instance directories are created
	WorkDir string
	// ToolName is the fetch tool executable name
	ToolName string
	// PluginGlob matches optional capability plugins copied next to each
	// instance binary
	PluginGlob string
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig(toolsDir, workDir string) PoolConfig {
	return PoolConfig{
		ToolsDir:   toolsDir,
		WorkDir:    workDir,
		ToolName:   "yt-dlp",
		PluginGlob: "*.plugin",
	}
}

// Pool prepares and hands out tool instances round-robin
type Pool struct {
	cfg       PoolConfig
	logger    *zap.Logger
	mu        sync.Mutex
	instances []*Instance
	cursor    int
}

// NewPool creates an unprepared pool
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger}
}

// Prepare discovers the newest tool executable and materializes up to
// maxInstances isolated copies. Returns an error when no executable can be
// found at all; a prepared-but-empty pool is a fatal precondition for any
// fetch or resolve call.
func (p *Pool) Prepare(maxInstances int) error {
	if maxInstances < 1 {
		return fmt.Errorf("max instances must be at least 1")
	}

	source, err := p.discoverExecutable()
	if err != nil {
		return err
	}

	plugins, _ := filepath.Glob(filepath.Join(p.cfg.ToolsDir, p.cfg.PluginGlob))

	p.mu.Lock()
	defer p.mu.Unlock()

	p.instances = p.instances[:0]
	p.cursor = 0

	for i := 0; i < maxInstances; i++ {
		dir := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("instance-%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create instance dir: %w", err)
		}

		binary := filepath.Join(dir, filepath.Base(source))
		if err := copyExecutable(source, binary); err != nil {
			return fmt.Errorf("copy tool into instance %d: %w", i, err)
		}

		for _, plugin := range plugins {
			dest := filepath.Join(dir, filepath.Base(plugin))
			if err := copyFile(plugin, dest); err != nil {
				return fmt.Errorf("copy plugin into instance %d: %w", i, err)
			}
		}

		p.instances = append(p.instances, &Instance{ID: i, Dir: dir, Binary: binary})
	}

	p.logger.Info("prepared tool instances",
		zap.Int("count", len(p.instances)),
		zap.String("source", source))

	return nil
}

// Next returns the next instance round-robin. Returns an error when the pool
// is empty; callers must treat that as fatal.
func (p *Pool) Next() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.instances) == 0 {
		return nil, fmt.Errorf("tool instance pool is empty")
	}

	inst := p.instances[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.instances)
	return inst, nil
}

// Size returns the number of prepared instances
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// discoverExecutable picks the newest bundled candidate, falling back to the
// system path. Bundled candidates are files named ToolName or
// ToolName_<version>; version suffixes sort lexically (dated releases), so
// the last name wins.
func (p *Pool) discoverExecutable() (string, error) {
	entries, err := os.ReadDir(p.cfg.ToolsDir)
	if err == nil {
		var candidates []string
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if name == p.cfg.ToolName || strings.HasPrefix(name, p.cfg.ToolName+"_") {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) > 0 {
			sort.Strings(candidates)
			return filepath.Join(p.cfg.ToolsDir, candidates[len(candidates)-1]), nil
		}
	}

	path, err := exec.LookPath(p.cfg.ToolName)
	if err != nil {
		return "", fmt.Errorf("no %s executable found in %s or on PATH", p.cfg.ToolName, p.cfg.ToolsDir)
	}
	return path, nil
}

// copyExecutable copies a file and marks it executable
func copyExecutable(src, dest string) error {
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Chmod(dest, 0755)
}

// copyFile copies a regular file
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
