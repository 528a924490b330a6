package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/tunesync/tunesync-go/internal/errors"
)

// fakeExecutor replays canned output lines instead of spawning a subprocess
type fakeExecutor struct {
	stdout []string
	stderr []string
	err    error
	proc   *os.Process
	spec   RunSpec
}

func (f *fakeExecutor) Run(ctx context.Context, spec RunSpec) error {
	f.spec = spec
	if spec.OnStart != nil && f.proc != nil {
		spec.OnStart(f.proc)
	}
	for _, line := range f.stdout {
		if spec.OnStdout != nil {
			spec.OnStdout(line)
		}
	}
	for _, line := range f.stderr {
		if spec.OnStderr != nil {
			spec.OnStderr(line)
		}
	}
	return f.err
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line        string
		wantOK      bool
		wantPercent float64
		wantETA     int
	}{
		{"[download]  42.3% of 3.40MiB at 1.23MiB/s ETA 00:12", true, 42.3, 12},
		{"[download] 100% of 3.40MiB in 00:03", true, 100, -1},
		{"[download]   0.0% of ~10.00MiB at Unknown speed ETA 01:02:03", true, 0, 3723},
		{"[ExtractAudio] Destination: /tmp/x.mp3", false, 0, 0},
		{"random noise", false, 0, 0},
	}

	for _, tt := range tests {
		got, ok := ParseProgressLine(tt.line)
		if ok != tt.wantOK {
			t.Errorf("ParseProgressLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if got.Percent != tt.wantPercent || got.ETASeconds != tt.wantETA {
			t.Errorf("ParseProgressLine(%q) = %+v, want percent=%v eta=%v", tt.line, got, tt.wantPercent, tt.wantETA)
		}
	}
}

func TestParseSearchLine(t *testing.T) {
	c, ok := ParseSearchLine("https://example.com/watch?v=abc|Artist - Song (Official)|212")
	if !ok {
		t.Fatal("Expected search line to parse")
	}
	if c.URL != "https://example.com/watch?v=abc" {
		t.Errorf("Unexpected URL: %s", c.URL)
	}
	if c.Name != "Artist - Song (Official)" {
		t.Errorf("Unexpected name: %s", c.Name)
	}
	if c.DurationMs != 212000 {
		t.Errorf("Unexpected duration: %d", c.DurationMs)
	}

	if _, ok := ParseSearchLine("WARNING: something"); ok {
		t.Error("Non-result lines must not parse")
	}
	if _, ok := ParseSearchLine("https://x.com/a|no duration"); ok {
		t.Error("Two-field lines must not parse")
	}
}

func TestFetchParsesDestinationAndProgress(t *testing.T) {
	exec := &fakeExecutor{
		stdout: []string{
			"[download] Destination: /music/Artist - Song.webm",
			"[download]  10.0% of 3.40MiB at 1.00MiB/s ETA 00:30",
			"[download]  55.5% of 3.40MiB at 1.00MiB/s ETA 00:10",
			"[download] 100% of 3.40MiB in 00:03",
			"[ExtractAudio] Destination: /music/Artist - Song.mp3",
		},
	}
	fetcher := NewFetcher(exec, nil, "mp3", zap.NewNop())

	var samples []Progress
	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}
	dest, err := fetcher.Fetch(context.Background(), inst, "https://example.com/v", "/music", "Artist - Song", func(p Progress) {
		samples = append(samples, p)
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if dest != "/music/Artist - Song.mp3" {
		t.Errorf("Expected ExtractAudio destination to win, got %s", dest)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 progress samples, got %d", len(samples))
	}
	if samples[1].Percent != 55.5 || samples[1].ETASeconds != 10 {
		t.Errorf("Unexpected middle sample: %+v", samples[1])
	}
}

func TestFetchFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("exit status 1")}
	fetcher := NewFetcher(exec, nil, "mp3", zap.NewNop())

	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}
	_, err := fetcher.Fetch(context.Background(), inst, "https://example.com/v", "/music", "x", nil)
	if err == nil {
		t.Fatal("Expected fetch error")
	}
	if apperrors.GetErrorType(err) != apperrors.ErrTypeFetch {
		t.Errorf("Expected fetch error type, got %v", apperrors.GetErrorType(err))
	}
}

func TestFetchFallbackDestination(t *testing.T) {
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "Name.opus"), []byte("audio"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	exec := &fakeExecutor{stdout: []string{"[download] 100% of 1.00MiB in 00:01"}}
	fetcher := NewFetcher(exec, nil, "opus", zap.NewNop())

	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}
	dest, err := fetcher.Fetch(context.Background(), inst, "u", outDir, "Name", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if dest != filepath.Join(outDir, "Name.opus") {
		t.Errorf("Unexpected fallback destination: %s", dest)
	}
}

func TestFetchFallbackMissingFileFails(t *testing.T) {
	exec := &fakeExecutor{stdout: []string{"[download] 100% of 1.00MiB in 00:01"}}
	fetcher := NewFetcher(exec, nil, "opus", zap.NewNop())

	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}
	_, err := fetcher.Fetch(context.Background(), inst, "u", t.TempDir(), "Name", nil)
	if err == nil {
		t.Fatal("Expected error when no destination was printed and the fallback file is absent")
	}
	if apperrors.GetErrorType(err) != apperrors.ErrTypeFetch {
		t.Errorf("Expected fetch error type, got %v", apperrors.GetErrorType(err))
	}
}

func trackedProcs(r *ProcessRegistry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func TestFetchUnregistersProcess(t *testing.T) {
	registry := NewProcessRegistry()
	exec := &fakeExecutor{
		proc:   &os.Process{Pid: 4242},
		stdout: []string{"[ExtractAudio] Destination: /music/x.mp3"},
	}
	fetcher := NewFetcher(exec, registry, "mp3", zap.NewNop())
	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}

	if _, err := fetcher.Fetch(context.Background(), inst, "u", "/music", "x", nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n := trackedProcs(registry); n != 0 {
		t.Errorf("Registry still tracks %d processes after a completed fetch", n)
	}

	exec.proc = &os.Process{Pid: 4243}
	exec.stdout = []string{"https://v.example/1|Song|180"}
	if _, err := fetcher.Search(context.Background(), inst, "q", 1); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if n := trackedProcs(registry); n != 0 {
		t.Errorf("Registry still tracks %d processes after a completed search", n)
	}

	exec.proc = &os.Process{Pid: 4244}
	exec.err = errors.New("exit status 1")
	if _, err := fetcher.Fetch(context.Background(), inst, "u", "/music", "x", nil); err == nil {
		t.Fatal("Expected fetch error")
	}
	if n := trackedProcs(registry); n != 0 {
		t.Errorf("Registry still tracks %d processes after a failed fetch", n)
	}
}

func TestSearchCollectsCandidates(t *testing.T) {
	exec := &fakeExecutor{
		stdout: []string{
			"https://v.example/1|Song One|180",
			"WARNING: throttled",
			"https://v.example/2|Song Two|200.5",
		},
	}
	fetcher := NewFetcher(exec, nil, "mp3", zap.NewNop())

	inst := &Instance{ID: 0, Dir: "/tmp", Binary: "/tmp/yt-dlp"}
	candidates, err := fetcher.Search(context.Background(), inst, "query", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[1].DurationMs != 200500 {
		t.Errorf("Fractional duration not converted: %d", candidates[1].DurationMs)
	}
}

func TestSanitizeTemplate(t *testing.T) {
	got := SanitizeName(`AC/DC: Back in Black?`)
	if got != "AC-DC- Back in Black" {
		t.Errorf("Unexpected sanitized name: %q", got)
	}
}
