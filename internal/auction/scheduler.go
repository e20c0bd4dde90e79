package auction

import (
	"log"
	"sync"
	"time"
)

// Scheduler drives time-based transitions for every watched room, so an
// auction opens and closes on schedule with zero client traffic. One timer
// per room, armed at the next boundary (startTime, secondEndTime, endTime).
// Each firing goes through the room's serialized queue via Tick; the
// scheduler never touches room state directly.
type Scheduler struct {
	logger *log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewScheduler(logger *log.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Watch fires an immediate catch-up tick (recovery after restart) and arms
// the timer chain for r. Watching an already-watched room re-arms it.
func (s *Scheduler) Watch(r *Room) {
	r.Tick(time.Now().UTC())
	s.arm(r)
}

func (s *Scheduler) arm(r *Room) {
	id := r.Config().ID
	select {
	case <-r.Done():
		s.forget(id)
		return
	default:
	}
	next, ok := nextBoundary(r.Config(), time.Now().UTC())
	if !ok {
		s.forget(id)
		return
	}
	s.logger.Printf("auction %s: next boundary at %s", id, next.Format(time.RFC3339))
	// Small slack so the tick lands at-or-after the boundary instead of a
	// hair before it.
	t := time.AfterFunc(time.Until(next)+10*time.Millisecond, func() {
		r.Tick(time.Now().UTC())
		s.arm(r)
	})
	s.mu.Lock()
	if old, exists := s.timers[id]; exists {
		old.Stop()
	}
	s.timers[id] = t
	s.mu.Unlock()
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// Stop cancels every pending timer. Used at shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// nextBoundary returns the earliest configured boundary strictly after now,
// or ok=false once the end time has passed.
func nextBoundary(cfg *Auction, now time.Time) (time.Time, bool) {
	if cfg.StartTime.After(now) {
		return cfg.StartTime, true
	}
	if cfg.SecondEndTime != nil && cfg.SecondEndTime.After(now) {
		return *cfg.SecondEndTime, true
	}
	if cfg.EndTime.After(now) {
		return cfg.EndTime, true
	}
	return time.Time{}, false
}
