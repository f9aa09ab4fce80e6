package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Service runs the watchdog on a cron schedule (six-field expressions,
// seconds included). Extra jobs such as the monitor's daily counter
// reset can be registered before Start.
type Service struct {
	wd       *Watchdog
	schedule string
	cron     *rcron.Cron
	extra    []job
}

type job struct {
	spec string
	fn   func()
}

func NewService(wd *Watchdog, schedule string) *Service {
	if schedule == "" {
		schedule = "0 0 9 * * *" // daily 09:00
	}
	return &Service{wd: wd, schedule: schedule}
}

// AddFunc registers an extra scheduled job. Must be called before
// Start.
func (s *Service) AddFunc(spec string, fn func()) {
	s.extra = append(s.extra, job{spec: spec, fn: fn})
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())

	if _, err := s.cron.AddFunc(s.schedule, s.runCheck); err != nil {
		return fmt.Errorf("register watchdog schedule %q: %w", s.schedule, err)
	}
	for _, j := range s.extra {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register job %q: %w", j.spec, err)
		}
	}

	s.cron.Start()
	log.Printf("[watchdog] scheduled %q with %d extra jobs", s.schedule, len(s.extra))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) runCheck() {
	res, err := s.wd.Check(time.Now())
	if err != nil {
		log.Printf("[watchdog] check error: %v", err)
		return
	}
	log.Printf("[watchdog] check: severity=%s misses=%d ingested=%d", res.Severity, res.Misses, res.Ingested)
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[watchdog] stop timeout waiting for running jobs")
	}
	log.Printf("[watchdog] stopped")
}
