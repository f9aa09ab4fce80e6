// Package watchdog escalates when ingestion goes stale. Its only
// durable state is one integer counter in the store's settings area.
package watchdog

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/solenlabs/convault/internal/notify"
	"github.com/solenlabs/convault/internal/store"
)

// missesKey holds the consecutive zero-ingestion interval count.
const missesKey = "watchdog.consecutive_misses"

// Severity of one check outcome.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityRecovery Severity = "recovery"
)

// Result of one watchdog check.
type Result struct {
	Severity Severity
	Misses   int
	Ingested int
}

// Watchdog counts consecutive check intervals with zero new ingestions
// and escalates from warning to critical at MaxMisses. A non-zero
// interval resets the counter and emits one recovery alert.
type Watchdog struct {
	store     *store.Store
	sink      notify.Sink
	maxMisses int
	window    time.Duration
}

func New(st *store.Store, sink notify.Sink, maxMisses int, window time.Duration) *Watchdog {
	if sink == nil {
		sink = notify.LogSink{}
	}
	if maxMisses <= 0 {
		maxMisses = 3
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Watchdog{store: st, sink: sink, maxMisses: maxMisses, window: window}
}

// Check counts conversations ingested within the trailing window and
// updates the persisted miss counter. Alerts go to the sink,
// best-effort.
func (w *Watchdog) Check(now time.Time) (Result, error) {
	ingested, err := w.store.CountCapturedSince(now.Add(-w.window))
	if err != nil {
		return Result{}, err
	}

	misses, err := w.loadMisses()
	if err != nil {
		return Result{}, err
	}

	if ingested > 0 {
		res := Result{Severity: SeverityOK, Ingested: ingested}
		if misses > 0 {
			if err := w.saveMisses(0); err != nil {
				return res, err
			}
			res.Severity = SeverityRecovery
			w.alert("watchdog", fmt.Sprintf("ingestion recovered: %d conversations in the last %s", ingested, w.window))
		}
		return res, nil
	}

	misses++
	if err := w.saveMisses(misses); err != nil {
		return Result{}, err
	}

	res := Result{Misses: misses}
	if misses >= w.maxMisses {
		res.Severity = SeverityCritical
		if misses == w.maxMisses {
			w.alert("watchdog", fmt.Sprintf("CRITICAL: no new conversations for %d consecutive checks", misses))
		}
	} else {
		res.Severity = SeverityWarning
		if misses == 1 {
			w.alert("watchdog", fmt.Sprintf("no new conversations in the last %s", w.window))
		}
	}
	return res, nil
}

func (w *Watchdog) loadMisses() (int, error) {
	value, err := w.store.GetSetting(missesKey, "0")
	if err != nil {
		return 0, err
	}
	misses, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[watchdog] corrupt miss counter %q, resetting", value)
		return 0, nil
	}
	return misses, nil
}

func (w *Watchdog) saveMisses(misses int) error {
	return w.store.SetSetting(missesKey, strconv.Itoa(misses))
}

func (w *Watchdog) alert(topic, message string) {
	if err := w.sink.Notify(topic, message); err != nil {
		log.Printf("[watchdog] notify warning: %v", err)
	}
}
