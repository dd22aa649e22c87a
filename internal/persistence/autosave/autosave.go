// Package autosave triggers periodic saves. It holds the timer; the manager
// only knows the interval.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type Saver interface {
	SaveGame() error
}

type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	reset    chan time.Duration
	saver    Saver
	log      *log.Logger

	// Skip reports errors that are expected between sessions (no game
	// loaded yet) and should not be logged on every tick.
	Skip func(error) bool
}

func New(interval time.Duration, saver Saver, logger *log.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("autosave: interval must be positive, got %s", interval)
	}
	if saver == nil {
		return nil, fmt.Errorf("autosave: nil saver")
	}
	return &Scheduler{
		interval: interval,
		reset:    make(chan time.Duration, 1),
		saver:    saver,
		log:      logger,
	}, nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the period of a running scheduler. The next save is
// one full new interval away.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("autosave: interval must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.interval {
		return nil
	}
	s.interval = d
	// Keep only the latest pending change.
	select {
	case <-s.reset:
	default:
	}
	s.reset <- d
	return nil
}

// Run saves every interval until ctx is done. Save errors are logged and the
// loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.reset:
			t.Reset(d)
			if s.log != nil {
				s.log.Printf("autosave: interval now %s", d)
			}
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	err := s.saver.SaveGame()
	if err == nil {
		if s.log != nil {
			s.log.Printf("autosave: ok")
		}
		return
	}
	if s.Skip != nil && s.Skip(err) {
		return
	}
	if s.log != nil && !errors.Is(err, context.Canceled) {
		s.log.Printf("autosave: %v", err)
	}
}
