// Package escalation schedules per-request stage-deadline timers. Timers are
// advisory triggers: on firing they hand the request id to a handler which
// takes the same per-request lock as human decisions, so a firing timer and
// a late decision are never interleaved.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Handler is invoked when a request's stage deadline elapses.
type Handler func(ctx context.Context, requestID string)

// Scheduler tracks at most one pending timer per request.
type Scheduler struct {
	clock   clockwork.Clock
	handler Handler
	log     zerolog.Logger

	mu     sync.Mutex
	timers map[string]clockwork.Timer
}

// NewScheduler creates a scheduler driving handler off the given clock.
func NewScheduler(clock clockwork.Clock, handler Handler, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		handler: handler,
		log:     log,
		timers:  make(map[string]clockwork.Timer),
	}
}

// Schedule arms (or re-arms) the timer for a request. A deadline already in
// the past fires immediately.
func (s *Scheduler) Schedule(requestID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[requestID]; ok {
		t.Stop()
	}

	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	s.timers[requestID] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, requestID)
		s.mu.Unlock()

		s.log.Info().Str("request_id", requestID).Msg("escalation: stage deadline elapsed")
		s.handler(context.Background(), requestID)
	})
}

// Cancel disarms the timer for a request, if any.
func (s *Scheduler) Cancel(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
}

// Stop disarms all timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
