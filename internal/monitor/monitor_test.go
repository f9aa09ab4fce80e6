package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/solenlabs/convault/internal/ingest"
	"github.com/solenlabs/convault/internal/record"
	"github.com/solenlabs/convault/internal/source"
	"github.com/solenlabs/convault/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	refs    []source.Ref
	items   map[string]any
	listErr error
}

func (f *fakeSource) List(ctx context.Context) ([]source.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]source.Ref, len(f.refs))
	copy(out, f.refs)
	return out, nil
}

func (f *fakeSource) Fetch(ctx context.Context, ref source.Ref) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[ref.ID]
	if !ok {
		return nil, fmt.Errorf("no such conversation %q", ref.ID)
	}
	return item, nil
}

func (f *fakeSource) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Notify(topic, message string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, topic+": "+message)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func rawConv(id, title string) any {
	return map[string]any{
		"id":       id,
		"title":    title,
		"messages": []any{map[string]any{"role": "user", "content": "content of " + id}},
	}
}

func newTestMonitor(t *testing.T, src source.Source) (*Monitor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := Config{
		Interval:     10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
		BatchLimit:   10,
		FetchTimeout: time.Second,
		StopTimeout:  2 * time.Second,
	}
	return New(cfg, src, ingest.NewPipeline(s, 2), s, &recordingSink{}), s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopLifecycle(t *testing.T) {
	src := &fakeSource{items: map[string]any{}}
	m, _ := newTestMonitor(t, src)

	if got := m.Stats().Status; got != StatusIdle {
		t.Fatalf("expected idle before start, got %s", got)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Stats().RunID == "" {
		t.Fatal("expected a run id after start")
	}
	if err := m.Start(); err == nil {
		t.Fatal("second Start must fail")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.Stats().Status; got != StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if err := m.Stop(); err == nil {
		t.Fatal("second Stop must fail")
	}
}

func TestStartWithoutSource(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	if err := m.Start(); err == nil {
		t.Fatal("expected Start to fail without a source")
	}
	if got := m.Stats().Status; got != StatusIdle {
		t.Fatalf("failed Start must leave status idle, got %s", got)
	}
	if m.Stats().RunID != "" {
		t.Fatal("failed Start must not assign a run id")
	}
}

func TestMonitorIngestsNewConversations(t *testing.T) {
	src := &fakeSource{
		refs: []source.Ref{{ID: "m1"}, {ID: "m2"}},
		items: map[string]any{
			"m1": rawConv("m1", "First"),
			"m2": rawConv("m2", "Second"),
		},
	}
	m, s := newTestMonitor(t, src)

	var delivered sync.Map
	m.AddConsumer(func(conv record.Conversation) error {
		delivered.Store(conv.ID, true)
		return nil
	})

	progressed := make(chan ProcessingStats, 16)
	m.OnProgress(func(ps ProcessingStats) {
		select {
		case progressed <- ps:
		default:
		}
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "both conversations stored", func() bool {
		a, _ := s.GetByID("m1")
		b, _ := s.GetByID("m2")
		return a != nil && b != nil
	})
	waitFor(t, "consumer delivery", func() bool {
		_, ok1 := delivered.Load("m1")
		_, ok2 := delivered.Load("m2")
		return ok1 && ok2
	})

	select {
	case ps := <-progressed:
		if ps.TotalProcessed == 0 {
			t.Fatalf("progress snapshot missing counts: %+v", ps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no progress callback")
	}

	// Further iterations must not reprocess known ids.
	time.Sleep(100 * time.Millisecond)
	if got := m.Stats().TotalProcessed; got != 2 {
		t.Fatalf("expected 2 processed total, got %d", got)
	}
	if got := m.Stats().ProcessedToday; got != 2 {
		t.Fatalf("expected 2 processed today, got %d", got)
	}

	m.ResetDailyCount()
	if got := m.Stats().ProcessedToday; got != 0 {
		t.Fatalf("expected daily reset, got %d", got)
	}
	if got := m.Stats().TotalProcessed; got != 2 {
		t.Fatalf("daily reset must not touch the total, got %d", got)
	}
}

func TestMonitorRecoversFromSourceErrors(t *testing.T) {
	src := &fakeSource{items: map[string]any{"e1": rawConv("e1", "After recovery")}}
	src.setListErr(fmt.Errorf("upstream down"))
	m, s := newTestMonitor(t, src)

	statuses := make(chan Status, 64)
	m.OnStatusChange(func(st Status) {
		select {
		case statuses <- st:
		default:
		}
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "error status", func() bool {
		for {
			select {
			case st := <-statuses:
				if st == StatusError {
					return true
				}
			default:
				return false
			}
		}
	})
	if m.Stats().ErrorsCount == 0 {
		t.Fatal("expected error counter to increment")
	}

	src.setListErr(nil)
	src.mu.Lock()
	src.refs = []source.Ref{{ID: "e1"}}
	src.mu.Unlock()

	waitFor(t, "ingestion after recovery", func() bool {
		c, _ := s.GetByID("e1")
		return c != nil
	})
}

func TestConsumerFailureDoesNotAbortBatch(t *testing.T) {
	src := &fakeSource{
		refs: []source.Ref{{ID: "c1"}, {ID: "c2"}},
		items: map[string]any{
			"c1": rawConv("c1", "First"),
			"c2": rawConv("c2", "Second"),
		},
	}
	m, s := newTestMonitor(t, src)

	m.AddConsumer(func(conv record.Conversation) error {
		panic("misbehaving consumer")
	})
	m.AddConsumer(func(conv record.Conversation) error {
		return fmt.Errorf("failing consumer")
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "both conversations stored despite consumer failures", func() bool {
		a, _ := s.GetByID("c1")
		b, _ := s.GetByID("c2")
		return a != nil && b != nil
	})
	if m.Stats().Status == StatusStopped {
		t.Fatal("consumer failures must not stop the monitor")
	}
}

func TestBatchLimitCapsIteration(t *testing.T) {
	src := &fakeSource{items: map[string]any{}}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("b%d", i)
		src.refs = append(src.refs, source.Ref{ID: id})
		src.items[id] = rawConv(id, "Batch")
	}
	m, s := newTestMonitor(t, src)
	m.cfg.BatchLimit = 2

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Each iteration takes at most two, so all five land over several
	// iterations.
	waitFor(t, "all five conversations stored", func() bool {
		n := 0
		for i := 0; i < 5; i++ {
			if c, _ := s.GetByID(fmt.Sprintf("b%d", i)); c != nil {
				n++
			}
		}
		return n == 5
	})
	if got := m.Stats().TotalProcessed; got != 5 {
		t.Fatalf("expected 5 processed, got %d", got)
	}
}
