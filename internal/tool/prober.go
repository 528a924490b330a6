package tool

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
)

// SilenceSpan is one detected silence window, in seconds from file start
type SilenceSpan struct {
	Start float64
	End   float64
}

// Prober invokes the media analysis tool (ffprobe/ffmpeg) for duration and
// silence detection
type Prober struct {
	exec         Executor
	probeBinary  string
	encodeBinary string
	logger       *zap.Logger
}

// NewProber creates a prober using the given binaries
func NewProber(exec Executor, probeBinary, encodeBinary string, logger *zap.Logger) *Prober {
	if probeBinary == "" {
		probeBinary = "ffprobe"
	}
	if encodeBinary == "" {
		encodeBinary = "ffmpeg"
	}
	return &Prober{exec: exec, probeBinary: probeBinary, encodeBinary: encodeBinary, logger: logger}
}

// DurationMs reports the media duration of path
func (p *Prober) DurationMs(ctx context.Context, path string) (int64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	var out strings.Builder
	spec := RunSpec{
		Binary: p.probeBinary,
		Args:   args,
		OnStdout: func(line string) {
			out.WriteString(line)
		},
	}

	if err := p.exec.Run(ctx, spec); err != nil {
		return 0, apperrors.NewFetchError(fmt.Sprintf("probe failed for %s", path), err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, apperrors.NewFetchError(fmt.Sprintf("unparseable duration for %s", path), err)
	}
	return int64(seconds * 1000), nil
}

// DetectSilence runs silence detection over the whole file and returns every
// detected span. thresholdDB is negative (e.g. -45), minSilence in seconds.
func (p *Prober) DetectSilence(ctx context.Context, path string, thresholdDB, minSilence float64) ([]SilenceSpan, error) {
	filter := fmt.Sprintf("silencedetect=noise=%.1fdB:d=%.2f", thresholdDB, minSilence)
	args := []string{
		"-hide_banner",
		"-i", path,
		"-af", filter,
		"-f", "null", "-",
	}

	var lines []string
	spec := RunSpec{
		Binary: p.encodeBinary,
		Args:   args,
		// silencedetect reports on the diagnostic stream
		OnStderr: func(line string) {
			lines = append(lines, line)
		},
	}

	if err := p.exec.Run(ctx, spec); err != nil {
		return nil, apperrors.NewFetchError(fmt.Sprintf("silence detection failed for %s", path), err)
	}

	return ParseSilenceOutput(lines), nil
}

// Encode re-encodes the span [startSec, endSec) of src into dest, choosing
// the codec from dest's extension. endSec <= 0 means "until end of file".
func (p *Prober) Encode(ctx context.Context, src, dest string, startSec, endSec float64) error {
	args := []string{"-hide_banner", "-y", "-i", src}
	if startSec > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", startSec))
	}
	if endSec > 0 {
		args = append(args, "-to", fmt.Sprintf("%.3f", endSec))
	}
	args = append(args, codecArgs(dest)...)
	args = append(args, dest)

	spec := RunSpec{Binary: p.encodeBinary, Args: args}
	if err := p.exec.Run(ctx, spec); err != nil {
		return apperrors.NewFetchError(fmt.Sprintf("re-encode failed for %s", src), err)
	}
	return nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

// ParseSilenceOutput pairs silence_start/silence_end markers from the
// analysis tool's diagnostic stream. A trailing silence_start without a
// matching end (silence running to EOF) produces a span with End = -1.
func ParseSilenceOutput(lines []string) []SilenceSpan {
	var spans []SilenceSpan
	var current *SilenceSpan

	for _, line := range lines {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			start, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if start < 0 {
				start = 0
			}
			current = &SilenceSpan{Start: start, End: -1}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && current != nil {
			end, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			current.End = end
			spans = append(spans, *current)
			current = nil
		}
	}

	if current != nil {
		spans = append(spans, *current)
	}
	return spans
}

// codecArgs picks encoder arguments by output extension
func codecArgs(dest string) []string {
	switch {
	case strings.HasSuffix(dest, ".mp3"):
		return []string{"-codec:a", "libmp3lame", "-q:a", "0"}
	case strings.HasSuffix(dest, ".flac"):
		return []string{"-codec:a", "flac"}
	case strings.HasSuffix(dest, ".m4a"):
		return []string{"-codec:a", "aac", "-b:a", "256k"}
	case strings.HasSuffix(dest, ".opus"):
		return []string{"-codec:a", "libopus", "-b:a", "160k"}
	default:
		return []string{"-codec:a", "copy"}
	}
}
