package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
)

// Progress is a normalized progress sample parsed from the fetch tool output
type Progress struct {
	Percent    float64
	ETASeconds int // -1 when the tool printed no ETA token
}

// Candidate is a search result from the fetch tool
type Candidate struct {
	URL        string
	Name       string
	DurationMs int64
}

// Fetcher invokes the external fetch tool through pool instances
type Fetcher struct {
	exec     Executor
	registry *ProcessRegistry
	format   string
	logger   *zap.Logger
}

// NewFetcher creates a fetcher. registry may be nil when kill-on-cancel
// tracking is not needed (tests).
func NewFetcher(exec Executor, registry *ProcessRegistry, audioFormat string, logger *zap.Logger) *Fetcher {
	return &Fetcher{exec: exec, registry: registry, format: audioFormat, logger: logger}
}

// Fetch downloads url into outDir using the given instance, reporting parsed
// progress samples. Returns the destination path printed by the tool.
func (f *Fetcher) Fetch(ctx context.Context, inst *Instance, url, outDir, namePrefix string, onProgress func(Progress)) (string, error) {
	if inst == nil {
		return "", fmt.Errorf("fetch requires a tool instance")
	}

	template := filepath.Join(outDir, SanitizeName(namePrefix)+".%(ext)s")
	args := []string{
		"--newline",
		"--no-playlist",
		"-x",
		"--audio-format", f.format,
		"-o", template,
		url,
	}

	var destination string
	var proc *os.Process
	spec := RunSpec{
		Dir:    inst.Dir,
		Binary: inst.Binary,
		Args:   args,
		OnStdout: func(line string) {
			if dest, ok := parseDestination(line); ok {
				destination = dest
			}
			if progress, ok := ParseProgressLine(line); ok && onProgress != nil {
				onProgress(progress)
			}
		},
		OnStart: func(p *os.Process) {
			proc = p
			f.register(p)
		},
	}

	err := f.exec.Run(ctx, spec)
	f.release(proc)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.NewCancelledError("fetch")
		}
		return "", apperrors.NewFetchError(fmt.Sprintf("fetch tool failed for %s", url), err)
	}

	if destination == "" {
		// Tool completed without printing a destination; the templated output
		// path only counts when the file is actually there.
		fallback := filepath.Join(outDir, SanitizeName(namePrefix)+"."+f.format)
		if _, statErr := os.Stat(fallback); statErr != nil {
			return "", apperrors.NewFetchError(fmt.Sprintf("fetch tool reported no destination for %s", url), statErr)
		}
		destination = fallback
	}
	return destination, nil
}

// Search runs the tool in search mode, returning up to limit candidates
func (f *Fetcher) Search(ctx context.Context, inst *Instance, query string, limit int) ([]Candidate, error) {
	if inst == nil {
		return nil, fmt.Errorf("search requires a tool instance")
	}

	args := []string{
		"--flat-playlist",
		"--print", "%(webpage_url)s|%(title)s|%(duration)s",
		fmt.Sprintf("ytsearch%d:%s", limit, query),
	}

	var candidates []Candidate
	var proc *os.Process
	spec := RunSpec{
		Dir:    inst.Dir,
		Binary: inst.Binary,
		Args:   args,
		OnStdout: func(line string) {
			if c, ok := ParseSearchLine(line); ok {
				candidates = append(candidates, c)
			}
		},
		OnStart: func(p *os.Process) {
			proc = p
			f.register(p)
		},
	}

	err := f.exec.Run(ctx, spec)
	f.release(proc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewCancelledError("search")
		}
		return nil, apperrors.NewFetchError(fmt.Sprintf("search failed for %q", query), err)
	}

	return candidates, nil
}

func (f *Fetcher) register(p *os.Process) {
	if f.registry != nil {
		f.registry.Add(p)
	}
}

func (f *Fetcher) release(p *os.Process) {
	if f.registry != nil {
		f.registry.Remove(p)
	}
}

var (
	// [download]  42.3% of 3.40MiB at 1.23MiB/s ETA 00:12
	progressRe = regexp.MustCompile(`\[download\]\s+([0-9.]+)%(?:.*ETA\s+(\d+):(\d{2})(?::(\d{2}))?)?`)
	// [ExtractAudio] Destination: /music/foo.mp3   or   [download] Destination: ...
	destinationRe = regexp.MustCompile(`^\[(?:ExtractAudio|download)\] Destination: (.+)$`)
)

// ParseProgressLine extracts a percentage and optional remaining-time token
// from one line of fetch tool output.
func ParseProgressLine(line string) (Progress, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil || percent < 0 || percent > 100 {
		return Progress{}, false
	}

	eta := -1
	if m[2] != "" {
		a, _ := strconv.Atoi(m[2])
		b, _ := strconv.Atoi(m[3])
		if m[4] != "" {
			c, _ := strconv.Atoi(m[4])
			eta = a*3600 + b*60 + c
		} else {
			eta = a*60 + b
		}
	}

	return Progress{Percent: percent, ETASeconds: eta}, true
}

// ParseSearchLine parses one "url|title|durationSeconds" search result line
func ParseSearchLine(line string) (Candidate, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "http") {
		return Candidate{}, false
	}

	var durationMs int64
	if secs, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
		durationMs = int64(secs * 1000)
	}

	return Candidate{
		URL:        parts[0],
		Name:       parts[1],
		DurationMs: durationMs,
	}, true
}

// parseDestination extracts the output path the tool reports
func parseDestination(line string) (string, bool) {
	m := destinationRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// SanitizeName strips characters that break output templates or filesystems
// from a file name
func SanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
		"\"", "'", "<", "", ">", "", "|", "-", "%", "",
	)
	return strings.TrimSpace(replacer.Replace(name))
}
