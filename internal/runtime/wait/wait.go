// Package wait provides the wait-for-availability primitive shared by every
// provider. A waiter blocks until it is notified, a bound elapses, or its
// context ends, so a lost wake-up only ever delays a worker.
package wait

import (
	"context"
	"sync"
	"time"
)

// Waiter blocks until work may be available.
type Waiter interface {
	// Wait returns true when woken by a notification and false when the
	// bound elapsed. It returns ctx.Err() when the context ends first.
	Wait(ctx context.Context, bound time.Duration) (bool, error)
}

// Signal is a broadcast wake-up. Notify releases every goroutine currently
// blocked in Wait.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) current() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
	}
	s.ch = make(chan struct{})
}

// Wait implements Waiter. A bound <= 0 waits for a notification only.
func (s *Signal) Wait(ctx context.Context, bound time.Duration) (bool, error) {
	ch := s.current()
	var timeout <-chan time.Time
	if bound > 0 {
		t := time.NewTimer(bound)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
		return true, nil
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Poll is a Waiter that always sleeps for the bound. Backends without a
// push notification use it.
type Poll struct{}

// Wait implements Waiter.
func (Poll) Wait(ctx context.Context, bound time.Duration) (bool, error) {
	return false, Sleep(ctx, bound)
}

// Sleep pauses for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
