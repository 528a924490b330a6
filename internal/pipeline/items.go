// Package pipeline runs download batches in two phases: a concurrent resolve
// phase that turns every queued reference into a source URL, and a serialized
// fetch phase that materializes local audio files. All batch state is owned by
// the Controller and progress is reported as a stream of typed events.
package pipeline

import (
	"github.com/tunesync/tunesync-go/internal/catalog"
)

// ItemKind distinguishes search queries from direct media links
type ItemKind string

const (
	// KindSearch items carry a free-text query resolved through the fallback chain
	KindSearch ItemKind = "search"
	// KindDirect items carry a ready source URL and skip resolution
	KindDirect ItemKind = "direct"
)

// QueueItem is one batch entry. Immutable once enqueued; consumed exactly
// once by the resolve phase.
type QueueItem struct {
	Kind               ItemKind
	Query              string
	Link               string
	DisplayName        string
	ExpectedDurationMs int64
	// Track is the catalog track this item came from, when known
	Track *catalog.Track
	// FolderName is the output subfolder under the batch output directory;
	// empty means the output directory itself
	FolderName string
}

// DownloadItem is a resolved QueueItem ready for the fetch phase. Consumed
// exactly once, in original batch order.
type DownloadItem struct {
	Index     int
	SourceURL string
	TrackName string
	OutputDir string
	Track     *catalog.Track
}

// Phase identifies a pipeline stage in progress events
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseFetch   Phase = "fetch"
)

// Event is one progress sample emitted to the host process
type Event struct {
	Phase Phase
	// Percent is overall batch completion in [0, 100]
	Percent float64
	// ETASeconds is the blended remaining-time estimate; -1 when unknown
	ETASeconds int
	// ItemIndex and ItemName identify the item the sample refers to
	ItemIndex int
	ItemName  string
	// ItemPercent is that item's own completion in [0, 100]
	ItemPercent float64
}

// ItemFailure records one failed item in the batch result
type ItemFailure struct {
	Index int
	Name  string
	Err   error
}

// BatchResult aggregates a finished (or cancelled) batch
type BatchResult struct {
	Succeeded int
	Failed    int
	Failures  []ItemFailure
	// Files lists the local paths of every successful fetch
	Files []string
	// ItemFiles maps batch index to fetched path; empty slots are failures
	ItemFiles []string
	Cancelled bool
}
