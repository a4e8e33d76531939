// Package scheduler runs recurring cycles and one-shot reminders.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/internal/logging"
)

// Scheduler wraps a cron runner and tracks one-shot timers so Stop can
// cancel everything outstanding.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	timers  map[int]*time.Timer
	nextID  int
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		log:    logging.For("scheduler"),
		timers: make(map[int]*time.Timer),
	}
}

// Every registers a recurring job from a cron expression.
func (s *Scheduler) Every(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return err
	}
	s.log.Debug().Str("spec", spec).Msg("recurring job registered")
	return nil
}

// After schedules fn once after d. Stop cancels pending callbacks.
func (s *Scheduler) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.log.Debug().Dur("delay", d).Msg("one-shot scheduled")
}

// Start begins running recurring jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts recurring jobs and cancels pending one-shots. Jobs already
// running are allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
