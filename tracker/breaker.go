package tracker

import (
	"sync"
	"time"
)

// breakerState is the state of the redis circuit breaker.
type breakerState int

const (
	breakerClosed   breakerState = iota // calls go to redis
	breakerOpen                         // calls skipped, tracker allows everything
	breakerHalfOpen                     // one probe call allowed
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker stops the tracker from hammering an unavailable redis. After
// threshold consecutive failures it opens for resetTimeout, then lets one
// probe through; a successful probe closes it.
type breaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	now          func() time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration, now func() time.Time) *breaker {
	return &breaker{threshold: threshold, resetTimeout: resetTimeout, now: now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.state = breakerHalfOpen
	}
	return b.state != breakerOpen
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// failure records a failed call and reports whether it opened the breaker.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = b.now()
		return true
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = b.now()
			return true
		}
	}
	return false
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
