package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/solenlabs/convault/internal/store"
)

func writeExport(t *testing.T, dir, name, id, title string) {
	t.Helper()
	data := fmt.Sprintf(`{"id": %q, "title": %q, "messages": [{"role": "user", "content": "body of %s"}]}`,
		id, title, id)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestImportDir(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, 2)
	dir := t.TempDir()

	writeExport(t, dir, "a.json", "imp-a", "Alpha")
	writeExport(t, dir, "b.json", "imp-b", "Beta")
	writeExport(t, dir, "b-copy.json", "imp-b", "Beta again")
	writeExport(t, dir, "notes.md", "imp-x", "ignored extension")

	res, err := p.ImportDir(context.Background(), dir, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if res.Ingested != 2 {
		t.Fatalf("expected 2 ingested (one in-batch dup), got %d", res.Ingested)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected 1 skipped dup, got %d", res.Skipped)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Conversations != 2 {
		t.Fatalf("expected 2 stored conversations, got %d", stats.Conversations)
	}
	if c, _ := s.GetByID("imp-x"); c != nil {
		t.Fatal("non-json/txt files must not be imported")
	}
}

func TestImportDirResume(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, 2)
	dir := t.TempDir()

	writeExport(t, dir, "first.json", "r1", "First")
	if _, err := p.ImportDir(context.Background(), dir, ImportOptions{}); err != nil {
		t.Fatalf("initial import: %v", err)
	}
	if ok, _ := s.HasSetting("import:first.json"); !ok {
		t.Fatal("expected resume marker after successful import")
	}

	// Poison the already-imported file; resume must skip it without reading.
	if err := os.WriteFile(filepath.Join(dir, "first.json"), []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	writeExport(t, dir, "second.json", "r2", "Second")

	res, err := p.ImportDir(context.Background(), dir, ImportOptions{Resume: true})
	if err != nil {
		t.Fatalf("resumed import: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("resume should not touch marked files, got errors %+v", res.Errors)
	}
	if res.Ingested != 1 {
		t.Fatalf("expected 1 new ingest, got %d", res.Ingested)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected 1 resume skip, got %d", res.Skipped)
	}
}

func TestImportDirWithoutResumeReimports(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, 2)
	dir := t.TempDir()

	writeExport(t, dir, "only.json", "again", "Again")
	if _, err := p.ImportDir(context.Background(), dir, ImportOptions{}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	res, err := p.ImportDir(context.Background(), dir, ImportOptions{})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if res.Ingested != 0 || res.Skipped != 1 {
		t.Fatalf("without --resume the file is re-read and deduped by id, got %+v", res)
	}
}

func TestImportDirFailedFileGetsNoMarker(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, 0)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := p.ImportDir(context.Background(), dir, ImportOptions{Sequential: true})
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 error, got %+v", res.Errors)
	}
	if ok, _ := s.HasSetting("import:bad.json"); ok {
		t.Fatal("failed files must stay unmarked so resume retries them")
	}
}

func TestImportDirFailedBulkWriteLeavesNoMarkers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "conversations.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	p := NewPipeline(s, 2)

	dir := t.TempDir()
	writeExport(t, dir, "lost.json", "lost-1", "Lost")

	// Break the conversation table out from under the bulk write while
	// the settings table stays intact, so markers could still be
	// written if the importer wrongly tried to.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`DROP TABLE conversations`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	res, err := p.ImportDir(context.Background(), dir, ImportOptions{})
	if err == nil {
		t.Fatal("expected bulk write failure to surface")
	}
	if res.Ingested != 0 {
		t.Fatalf("nothing was persisted, got Ingested=%d", res.Ingested)
	}
	if res.Skipped != 0 {
		t.Fatalf("a failed write is not a dedup skip, got Skipped=%d", res.Skipped)
	}
	if ok, _ := s.HasSetting("import:lost.json"); ok {
		t.Fatal("unpersisted file must stay unmarked so a resumed run retries it")
	}
}

func TestImportDirMissing(t *testing.T) {
	s := newTestStore(t)
	p := NewPipeline(s, 0)

	if _, err := p.ImportDir(context.Background(), filepath.Join(t.TempDir(), "nope"), ImportOptions{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
