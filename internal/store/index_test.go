package store

import (
	"testing"
	"time"

	"github.com/solenlabs/convault/internal/record"
)

// Simulates the window where bulk rows committed but the index
// transaction rolled back, then verifies RebuildIndex repairs it.
func TestRebuildIndexRepairsMissingEntries(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.UpsertBulk([]record.Conversation{
		conv("x1", "One", base),
		conv("x2", "Two", base.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("UpsertBulk: %v", err)
	}

	if _, err := s.db.Exec(`DELETE FROM memory_index WHERE conversation_id = ?`, "x2"); err != nil {
		t.Fatalf("drop index rows: %v", err)
	}
	if n, _ := s.IndexCount("x2"); n != 0 {
		t.Fatalf("setup failed, %d entries remain", n)
	}

	rebuilt, err := s.RebuildIndex()
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if rebuilt != 2 {
		t.Fatalf("expected 2 conversations reindexed, got %d", rebuilt)
	}

	for _, id := range []string{"x1", "x2"} {
		n, err := s.IndexCount(id)
		if err != nil {
			t.Fatalf("IndexCount %s: %v", id, err)
		}
		if n == 0 {
			t.Fatalf("expected index entries for %s after rebuild", id)
		}
	}

	// Rebuilt entries must be searchable again.
	results, err := s.Search("two", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "x2" {
		t.Fatalf("expected x2 via rebuilt index, got %+v", results)
	}
}

func TestChunkContentSplitsOnNewlines(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "a line of conversation text that pads the chunk\n"
	}

	chunks := chunkContent(long)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	joined := 0
	for _, chunk := range chunks {
		if len(chunk) > maxChunkChars {
			t.Fatalf("chunk exceeds limit: %d", len(chunk))
		}
		joined += len(chunk)
	}
	if joined == 0 {
		t.Fatal("chunks lost all content")
	}
}
