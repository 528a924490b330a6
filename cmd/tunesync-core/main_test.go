package main

import (
	"context"
	"testing"

	"github.com/tunesync/tunesync-go/internal/catalog"
	"github.com/tunesync/tunesync-go/internal/pipeline"
)

func TestBuildQueueClassifiesArgs(t *testing.T) {
	e := &Engine{}

	items, err := e.BuildQueue(context.Background(), []string{
		"https://media.example/watch?v=abc123",
		"Boards of Canada - Roygbiv",
	})
	if err != nil {
		t.Fatalf("BuildQueue failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	if items[0].Kind != pipeline.KindDirect || items[0].Link != "https://media.example/watch?v=abc123" {
		t.Errorf("URL not classified as direct fetch: %+v", items[0])
	}
	if items[1].Kind != pipeline.KindSearch || items[1].Query != "Boards of Canada - Roygbiv" {
		t.Errorf("Free text not classified as search: %+v", items[1])
	}
}

func TestQueueItemForTrack(t *testing.T) {
	track := &catalog.Track{
		ID:         "t1",
		Name:       "Roygbiv",
		Artist:     "Boards of Canada",
		DurationMs: 150000,
	}

	item := queueItemForTrack(track, "Chill")
	if item.Kind != pipeline.KindSearch {
		t.Errorf("Expected search item, got %q", item.Kind)
	}
	if item.Query != "Boards of Canada - Roygbiv" {
		t.Errorf("Unexpected query: %q", item.Query)
	}
	if item.ExpectedDurationMs != 150000 || item.FolderName != "Chill" || item.Track != track {
		t.Errorf("Track fields not carried: %+v", item)
	}
}
