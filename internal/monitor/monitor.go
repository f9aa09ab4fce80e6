// Package monitor runs the supervised background loop that keeps the
// store current: poll the external source, ingest new conversations,
// hand them to downstream consumers, report progress.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/solenlabs/convault/internal/ingest"
	"github.com/solenlabs/convault/internal/notify"
	"github.com/solenlabs/convault/internal/record"
	"github.com/solenlabs/convault/internal/source"
	"github.com/solenlabs/convault/internal/store"
)

// maxObservers bounds each callback list.
const maxObservers = 16

// Consumer is a downstream, best-effort consumer of newly ingested
// conversations. A failing consumer is logged and never aborts the
// batch.
type Consumer func(conv record.Conversation) error

// Config tunes the loop. Zero values fall back to the defaults below.
type Config struct {
	Interval     time.Duration // sleep between iterations
	ErrorBackoff time.Duration // initial backoff after a failed iteration
	BatchLimit   int           // max items processed per iteration
	FetchTimeout time.Duration // per external call
	StopTimeout  time.Duration // bounded join in Stop
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Monitor owns one supervised loop over one store. Construct it
// explicitly and pass the handle around; there is no process-wide
// instance.
type Monitor struct {
	cfg      Config
	src      source.Source
	pipeline *ingest.Pipeline
	store    *store.Store
	sink     notify.Sink

	mu          sync.Mutex
	stats       ProcessingStats
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	consumers   []Consumer
	statusFns   []func(Status)
	progressFns []func(ProcessingStats)
	batches     int
}

func New(cfg Config, src source.Source, pipeline *ingest.Pipeline, st *store.Store, sink notify.Sink) *Monitor {
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		src:      src,
		pipeline: pipeline,
		store:    st,
		sink:     sink,
		stats:    ProcessingStats{Status: StatusIdle},
	}
}

// AddConsumer registers a downstream consumer of ingested
// conversations.
func (m *Monitor) AddConsumer(fn Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.consumers) >= maxObservers {
		log.Printf("[monitor] consumer list full, dropping registration")
		return
	}
	m.consumers = append(m.consumers, fn)
}

// OnStatusChange registers a status observer. Observers run
// synchronously from the loop; panics are caught and logged.
func (m *Monitor) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statusFns) >= maxObservers {
		log.Printf("[monitor] status observer list full, dropping registration")
		return
	}
	m.statusFns = append(m.statusFns, fn)
}

// OnProgress registers a progress observer, invoked after each
// processed batch with a stats snapshot.
func (m *Monitor) OnProgress(fn func(ProcessingStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.progressFns) >= maxObservers {
		log.Printf("[monitor] progress observer list full, dropping registration")
		return
	}
	m.progressFns = append(m.progressFns, fn)
}

// Start launches the supervised loop. It fails if the monitor is
// already running or the external source is unconfigured; a failed
// Start has no side effects.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	if m.src == nil {
		m.mu.Unlock()
		return fmt.Errorf("conversation source not configured")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.stats.StartTime = time.Now()
	m.stats.RunID = uuid.NewString()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.setStatus(StatusMonitoring)
	go m.loop(stopCh, doneCh)
	log.Printf("[monitor] started run %s interval=%s", m.stats.RunID, m.cfg.Interval)
	return nil
}

// Stop flips the running flag and joins the loop with a bounded
// timeout. An iteration already in flight finishes; it is never killed
// mid-fetch.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor not running")
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(m.cfg.StopTimeout):
		log.Printf("[monitor] stop timeout after %s", m.cfg.StopTimeout)
		return fmt.Errorf("monitor did not stop within %s", m.cfg.StopTimeout)
	}

	m.setStatus(StatusStopped)
	log.Printf("[monitor] stopped")
	return nil
}

// Stats returns a read-only snapshot of the processing counters.
func (m *Monitor) Stats() ProcessingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetDailyCount zeroes the "today" counter. Date rollover is an
// explicit external operation, not automatic.
func (m *Monitor) ResetDailyCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ProcessedToday = 0
}

func (m *Monitor) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ErrorBackoff
	bo.MaxInterval = 5 * time.Minute

	for {
		m.iterate(stopCh, bo)
		select {
		case <-stopCh:
			return
		case <-time.After(m.cfg.Interval):
		}
	}
}

// iterate runs one poll+process cycle. Unhandled panics transition the
// monitor to Error, back off, and re-enter Monitoring: the loop is
// self-healing and only Stop exits it.
func (m *Monitor) iterate(stopCh chan struct{}, bo *backoff.ExponentialBackOff) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] iteration panic: %v", r)
			m.recordError(fmt.Errorf("iteration panic: %v", r), stopCh, bo)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FetchTimeout)
	refs, err := m.src.List(ctx)
	cancel()
	if err != nil {
		m.recordError(fmt.Errorf("list conversations: %w", err), stopCh, bo)
		return
	}
	bo.Reset()

	fresh, err := m.filterKnown(refs)
	if err != nil {
		m.recordError(err, stopCh, bo)
		return
	}
	if len(fresh) == 0 {
		return
	}
	if len(fresh) > m.cfg.BatchLimit {
		fresh = fresh[:m.cfg.BatchLimit]
	}

	m.setStatus(StatusProcessing)
	start := time.Now()
	processed := 0

	for _, ref := range fresh {
		conv, err := m.processOne(ref)
		if err != nil {
			log.Printf("[monitor] process %s: %v", ref.ID, err)
			m.countError()
			continue
		}
		m.deliver(conv)
		processed++
	}

	m.finishBatch(processed, time.Since(start))
	m.setStatus(StatusMonitoring)
	m.emitProgress()
}

func (m *Monitor) processOne(ref source.Ref) (record.Conversation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FetchTimeout)
	defer cancel()

	raw, err := m.src.Fetch(ctx, ref)
	if err != nil {
		return record.Conversation{}, fmt.Errorf("fetch content: %w", err)
	}

	hint := ref.ID
	if hint == "" {
		hint = ref.URL
	}
	return m.pipeline.IngestOne(raw, hint)
}

// deliver hands one conversation to the downstream consumers,
// best-effort.
func (m *Monitor) deliver(conv record.Conversation) {
	m.mu.Lock()
	consumers := make([]Consumer, len(m.consumers))
	copy(consumers, m.consumers)
	m.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[monitor] consumer panic for %s: %v", conv.ID, r)
				}
			}()
			if err := consumer(conv); err != nil {
				log.Printf("[monitor] consumer error for %s: %v", conv.ID, err)
			}
		}()
	}
}

func (m *Monitor) filterKnown(refs []source.Ref) ([]source.Ref, error) {
	known, err := m.store.KnownIDs()
	if err != nil {
		return nil, fmt.Errorf("load known ids: %w", err)
	}
	fresh := make([]source.Ref, 0, len(refs))
	for _, ref := range refs {
		if ref.ID == "" {
			fresh = append(fresh, ref)
			continue
		}
		if _, ok := known[ref.ID]; !ok {
			fresh = append(fresh, ref)
		}
	}
	return fresh, nil
}

func (m *Monitor) finishBatch(processed int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if processed > 0 {
		m.stats.TotalProcessed += processed
		m.stats.ProcessedToday += processed
		m.stats.LastProcessingTime = time.Now()
	}
	m.batches++
	m.stats.AverageProcessingSeconds += (elapsed.Seconds() - m.stats.AverageProcessingSeconds) / float64(m.batches)
}

// recordError transitions to Error, sleeps a backoff interval (cut
// short by Stop) and re-enters Monitoring.
func (m *Monitor) recordError(err error, stopCh chan struct{}, bo *backoff.ExponentialBackOff) {
	log.Printf("[monitor] %v", err)
	m.countError()
	m.setStatus(StatusError)
	_ = m.sink.Notify("monitor", fmt.Sprintf("monitor error: %v", err))

	select {
	case <-stopCh:
		return
	case <-time.After(bo.NextBackOff()):
	}
	m.setStatus(StatusMonitoring)
}

func (m *Monitor) countError() {
	m.mu.Lock()
	m.stats.ErrorsCount++
	m.mu.Unlock()
}

func (m *Monitor) setStatus(status Status) {
	m.mu.Lock()
	if m.stats.Status == status {
		m.mu.Unlock()
		return
	}
	m.stats.Status = status
	observers := make([]func(Status), len(m.statusFns))
	copy(observers, m.statusFns)
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[monitor] status observer panic: %v", r)
				}
			}()
			fn(status)
		}()
	}
}

func (m *Monitor) emitProgress() {
	m.mu.Lock()
	snapshot := m.stats
	observers := make([]func(ProcessingStats), len(m.progressFns))
	copy(observers, m.progressFns)
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[monitor] progress observer panic: %v", r)
				}
			}()
			fn(snapshot)
		}()
	}
}
