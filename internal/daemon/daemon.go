// Package daemon wires the configured store, source, pipeline, monitor
// and watchdog into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solenlabs/convault/internal/config"
	"github.com/solenlabs/convault/internal/ingest"
	"github.com/solenlabs/convault/internal/monitor"
	"github.com/solenlabs/convault/internal/notify"
	"github.com/solenlabs/convault/internal/source"
	"github.com/solenlabs/convault/internal/store"
	"github.com/solenlabs/convault/internal/watchdog"
)

// Options for creating a Daemon.
type Options struct {
	Source     source.Source  // overrides the HTTP source (for testing)
	Sink       notify.Sink    // overrides the configured sink (for testing)
	SignalChan chan os.Signal // for testing signal handling
}

type Daemon struct {
	cfg        *config.Config
	store      *store.Store
	pipeline   *ingest.Pipeline
	monitor    *monitor.Monitor
	scheduler  *watchdog.Service
	sink       notify.Sink
	signalChan chan os.Signal
}

func New(cfg *config.Config) (*Daemon, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Daemon with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.ValidateForMonitor(); err != nil && opts.Source == nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, signalChan: opts.SignalChan}

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.sink = opts.Sink
	if d.sink == nil {
		d.sink = buildSink(cfg)
	}

	src := opts.Source
	if src == nil {
		httpSrc, err := source.NewHTTPSource(source.Config{
			BaseURL:    cfg.Source.BaseURL,
			Token:      cfg.Source.Token,
			ListLimit:  cfg.Source.ListLimit,
			TimeoutSec: cfg.Source.TimeoutSec,
			Proxy:      cfg.Source.Proxy,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create source: %w", err)
		}
		src = httpSrc
	}

	d.pipeline = ingest.NewPipeline(st, cfg.Ingest.Workers)
	d.monitor = monitor.New(monitor.Config{
		Interval:     time.Duration(cfg.Monitor.IntervalSec) * time.Second,
		ErrorBackoff: time.Duration(cfg.Monitor.ErrorBackoffSec) * time.Second,
		BatchLimit:   cfg.Monitor.BatchLimit,
		FetchTimeout: time.Duration(cfg.Source.TimeoutSec) * time.Second,
		StopTimeout:  time.Duration(cfg.Monitor.StopTimeoutSec) * time.Second,
	}, src, d.pipeline, st, d.sink)

	if cfg.Watchdog.Enabled {
		wd := watchdog.New(st, d.sink, cfg.Watchdog.MaxMisses,
			time.Duration(cfg.Watchdog.WindowHours)*time.Hour)
		d.scheduler = watchdog.NewService(wd, cfg.Watchdog.Schedule)
		// Daily counter rollover is an explicit operation; the daemon
		// triggers it at local midnight.
		d.scheduler.AddFunc("0 0 0 * * *", d.monitor.ResetDailyCount)
	}

	return d, nil
}

func buildSink(cfg *config.Config) notify.Sink {
	if !cfg.Notify.Telegram.Enabled {
		return notify.LogSink{}
	}
	tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
	if err != nil {
		log.Printf("[daemon] telegram sink unavailable, falling back to log: %v", err)
		return notify.LogSink{}
	}
	return notify.Fanout{tg, notify.LogSink{}}
}

// Monitor exposes the live monitor handle for callers wiring extra
// consumers or observers.
func (d *Daemon) Monitor() *monitor.Monitor { return d.monitor }

// Store exposes the underlying store for read paths.
func (d *Daemon) Store() *store.Store { return d.store }

// Run starts the monitor and the watchdog schedule, then blocks until
// SIGINT/SIGTERM.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.monitor.Start(); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	if d.scheduler != nil {
		if err := d.scheduler.Start(ctx); err != nil {
			log.Printf("[daemon] watchdog start warning: %v", err)
		}
	}

	log.Printf("[daemon] running, store=%s", d.cfg.Store.DBPath)

	sigCh := d.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[daemon] shutting down...")
	return d.Shutdown()
}

func (d *Daemon) Shutdown() error {
	if err := d.monitor.Stop(); err != nil {
		log.Printf("[daemon] monitor stop warning: %v", err)
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if err := d.store.Close(); err != nil {
		log.Printf("[daemon] close store warning: %v", err)
	}
	log.Printf("[daemon] shutdown complete")
	return nil
}
