// Package session holds the access accounting for a single hushd run: the
// delivery counter, the abuse counter, and the one-shot latch that ends the
// server's lifetime. Everything here is safe for concurrent use by request
// handlers.
package session

import (
	"fmt"
	"sync"
)

// StopReason identifies which trigger ended the session.
type StopReason int

const (
	// ReasonNone means no trigger has fired yet.
	ReasonNone StopReason = iota
	// ReasonUsesExhausted means the configured number of deliveries completed.
	ReasonUsesExhausted
	// ReasonAbuseLimit means too many requests missed the secret path.
	ReasonAbuseLimit
	// ReasonInterrupt means an external interrupt/terminate signal arrived.
	ReasonInterrupt
	// ReasonResourceLost means the shared file disappeared or changed on disk.
	ReasonResourceLost
)

func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUsesExhausted:
		return "uses-exhausted"
	case ReasonAbuseLimit:
		return "abuse-limit"
	case ReasonInterrupt:
		return "interrupt"
	case ReasonResourceLost:
		return "resource-lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Clean reports whether the reason describes a graceful end of life
// (the secret was delivered as promised, or the operator asked us to stop).
func (r StopReason) Clean() bool {
	return r == ReasonUsesExhausted || r == ReasonInterrupt
}

// Session tracks deliveries and misses against the configured limits. The two
// counters share one mutex so a request moves exactly one of them, and the
// capacity check on the delivery side is a single indivisible step with its
// increment.
type Session struct {
	mu       sync.Mutex
	maxUses  int
	maxFails int
	uses     int
	fails    int
}

// New constructs a Session. Both limits must be positive; Config.Validate
// enforces that before a Session is ever built.
func New(maxUses, maxFailedAttempts int) *Session {
	return &Session{maxUses: maxUses, maxFails: maxFailedAttempts}
}

// Consume reserves one delivery slot. It returns ok=false when capacity is
// already exhausted, in which case the caller must not serve the resource.
// When ok, last reports whether this was the final slot; the caller forwards
// that to the shutdown latch after the delivery finishes.
//
// The check and the increment happen under one lock acquisition, so two
// racing requests can never both win the last slot.
func (s *Session) Consume() (ok bool, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uses >= s.maxUses {
		return false, false
	}
	s.uses++
	return true, s.uses == s.maxUses
}

// RecordMiss counts a request that did not match the secret path and reports
// whether the abuse limit has been reached or exceeded.
func (s *Session) RecordMiss() (limitReached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails++
	return s.fails >= s.maxFails
}

// Counts returns a snapshot of both counters.
func (s *Session) Counts() (uses, fails int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uses, s.fails
}

// Remaining returns how many deliveries are still available.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uses >= s.maxUses {
		return 0
	}
	return s.maxUses - s.uses
}

// MaxUses returns the configured delivery limit.
func (s *Session) MaxUses() int { return s.maxUses }

// MaxFailedAttempts returns the configured abuse limit.
func (s *Session) MaxFailedAttempts() int { return s.maxFails }

// Latch is the single-fire shutdown trigger. Any number of sources may call
// Trip concurrently; exactly one wins, the rest are no-ops, and the recorded
// reason is the winner's.
type Latch struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason StopReason
}

// NewLatch returns an unfired latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trip fires the latch with the given reason. It returns true for the call
// that actually fired it. Subsequent calls have no observable effect.
func (l *Latch) Trip(reason StopReason) bool {
	fired := false
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.done)
		fired = true
	})
	return fired
}

// Done returns a channel closed once the latch has fired.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Fired reports whether the latch has fired.
func (l *Latch) Fired() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason recorded by the winning Trip, or ReasonNone while
// the latch is still armed.
func (l *Latch) Reason() StopReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}
