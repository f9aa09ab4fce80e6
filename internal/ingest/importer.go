package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// importMarkerPrefix keys the per-file resume markers in the store's
// settings area. A marked file is skipped before it is even read.
const importMarkerPrefix = "import:"

// ImportOptions controls a directory bulk import.
type ImportOptions struct {
	// Resume skips files already marked as imported by a prior run.
	Resume bool
	// Sequential forces the one-at-a-time path; the default is the
	// concurrent/batched path.
	Sequential bool
}

// ImportDir ingests a directory of raw payload files, one conversation
// per file. Only the error return is fatal (unreadable directory or a
// failed bulk write); per-file problems land in the result's error
// list.
func (p *Pipeline) ImportDir(ctx context.Context, dir string, opts ImportOptions) (Result, error) {
	var res Result

	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, fmt.Errorf("read import dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(entry.Name())); ext != ".json" && ext != ".txt" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	payloads := make([]Payload, 0, len(names))
	for _, name := range names {
		if opts.Resume {
			done, err := p.store.HasSetting(importMarkerPrefix + name)
			if err != nil {
				return res, err
			}
			if done {
				res.Skipped++
				continue
			}
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Hint: name, Err: err})
			continue
		}
		payloads = append(payloads, Payload{Data: data, Hint: name})
	}

	var runErr error
	if opts.Sequential {
		run := p.Sequential(payloads)
		res.Ingested += run.Ingested
		res.Skipped += run.Skipped
		res.Errors = append(res.Errors, run.Errors...)
	} else {
		run, err := p.Concurrent(ctx, payloads)
		res.Ingested += run.Ingested
		res.Skipped += run.Skipped
		res.Errors = append(res.Errors, run.Errors...)
		runErr = err
	}

	// Mark every file that made it through parse+normalize, including
	// dedup skips, so a resumed run does no redundant work. Failed
	// files stay unmarked and are retried. When the bulk write itself
	// failed with nothing persisted, no file may be marked: a resumed
	// run has to redo all of them. (An index-phase failure reports
	// Ingested > 0; those rows are committed and RebuildIndex repairs
	// the index, so marking is still correct.)
	if runErr != nil && res.Ingested == 0 {
		log.Printf("[ingest] import %s failed before persisting, leaving %d files unmarked: %v", dir, len(payloads), runErr)
		return res, runErr
	}
	failed := make(map[string]struct{}, len(res.Errors))
	for _, ie := range res.Errors {
		failed[ie.Hint] = struct{}{}
	}
	for _, payload := range payloads {
		if _, bad := failed[payload.Hint]; bad {
			continue
		}
		if err := p.store.SetSetting(importMarkerPrefix+payload.Hint, "done"); err != nil {
			log.Printf("[ingest] mark %s warning: %v", payload.Hint, err)
		}
	}

	log.Printf("[ingest] import %s: ingested=%d skipped=%d errors=%d", dir, res.Ingested, res.Skipped, len(res.Errors))
	return res, runErr
}
