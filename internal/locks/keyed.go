// Package locks provides per-key mutual exclusion with bounded waits.
// Distinct keys never contend; acquisition honours the caller's context so
// no operation can block indefinitely.
package locks

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// Keyed is a set of logical locks addressed by string key.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewKeyed creates an empty lock set.
func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire takes the lock for key, waiting at most until ctx is done.
// On success it returns a release function that must be called exactly once.
// On timeout or cancellation it returns a busy error so callers can retry
// with backoff instead of deadlocking.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.drop(key, s)
		}, nil
	case <-ctx.Done():
		k.drop(key, s)
		return nil, apperrors.Newf(apperrors.CodeBusy, "could not acquire lock for %q", key)
	}
}

// drop decrements the slot refcount and removes idle slots so the map does
// not grow without bound.
func (k *Keyed) drop(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
