// Package ingest drives the normalizer and the store over sets of raw
// conversation payloads. Both operating modes are idempotent with
// respect to conversation id.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/solenlabs/convault/internal/record"
	"github.com/solenlabs/convault/internal/store"
)

const defaultWorkers = 4

// Payload is one raw conversation awaiting ingestion. Raw takes
// precedence; Data is decoded lazily (in a worker for the concurrent
// path). Hint seeds deterministic id derivation and error reporting.
type Payload struct {
	Raw  any
	Data []byte
	Hint string
}

// ItemError ties a per-item failure to its payload hint.
type ItemError struct {
	Hint string
	Err  error
}

func (e ItemError) Error() string {
	if e.Hint == "" {
		return e.Err.Error()
	}
	return e.Hint + ": " + e.Err.Error()
}

func (e ItemError) Unwrap() error { return e.Err }

// Result summarizes one pipeline run. Item failures never abort a run;
// they accumulate here.
type Result struct {
	Ingested int
	Skipped  int
	Errors   []ItemError
}

type Pipeline struct {
	store   *store.Store
	workers int
}

func NewPipeline(st *store.Store, workers int) *Pipeline {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pipeline{store: st, workers: workers}
}

// IngestOne normalizes and upserts a single raw payload. The monitor's
// live path uses it item by item.
func (p *Pipeline) IngestOne(raw any, hint string) (record.Conversation, error) {
	conv := record.Normalize(raw, hint)
	if _, err := p.store.Upsert(conv); err != nil {
		return conv, fmt.Errorf("persist %s: %w", conv.ID, err)
	}
	return conv, nil
}

// Sequential ingests payloads one at a time in input order, continuing
// past per-item failures.
func (p *Pipeline) Sequential(payloads []Payload) Result {
	var res Result
	for _, payload := range payloads {
		raw, err := decodePayload(payload)
		if err != nil {
			log.Printf("[ingest] skip %s: %v", payload.Hint, err)
			res.Errors = append(res.Errors, ItemError{Hint: payload.Hint, Err: err})
			continue
		}
		conv := record.Normalize(raw, payload.Hint)
		if _, err := p.store.Upsert(conv); err != nil {
			log.Printf("[ingest] persist %s: %v", conv.ID, err)
			res.Errors = append(res.Errors, ItemError{Hint: payload.Hint, Err: err})
			continue
		}
		res.Ingested++
	}
	return res
}

// Concurrent splits the parse+normalize phase across a bounded worker
// pool, then hands every surviving conversation to the single writer
// path. Existing ids are pre-loaded once; payloads normalizing to a
// known id are discarded before the write phase. Index writes for the
// batch run in one transaction; if it fails the batch's rows stay
// committed and the returned error signals that index regeneration
// (store.RebuildIndex) should be re-run.
func (p *Pipeline) Concurrent(ctx context.Context, payloads []Payload) (Result, error) {
	var res Result

	known, err := p.store.KnownIDs()
	if err != nil {
		return res, err
	}

	type outcome struct {
		conv record.Conversation
		hint string
		err  error
	}

	jobs := make(chan Payload)
	outcomes := make(chan outcome, len(payloads))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range jobs {
				raw, err := decodePayload(payload)
				if err != nil {
					outcomes <- outcome{hint: payload.Hint, err: err}
					continue
				}
				outcomes <- outcome{conv: record.Normalize(raw, payload.Hint), hint: payload.Hint}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, payload := range payloads {
			select {
			case jobs <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	batch := make([]record.Conversation, 0, len(payloads))
	for o := range outcomes {
		if o.err != nil {
			log.Printf("[ingest] skip %s: %v", o.hint, o.err)
			res.Errors = append(res.Errors, ItemError{Hint: o.hint, Err: o.err})
			continue
		}
		if _, dup := known[o.conv.ID]; dup {
			res.Skipped++
			continue
		}
		batch = append(batch, o.conv)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	inserted, err := p.store.UpsertBulk(batch)
	res.Ingested = inserted
	if err != nil {
		// A failed write is not a dedup skip; leave Skipped alone so the
		// caller sees the batch as unpersisted.
		return res, fmt.Errorf("bulk persist: %w", err)
	}
	res.Skipped += len(batch) - inserted
	return res, nil
}

func decodePayload(p Payload) (any, error) {
	if p.Raw != nil {
		return p.Raw, nil
	}
	var raw any
	if err := json.Unmarshal(p.Data, &raw); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return raw, nil
}
