// Copyright 2025 James Ross

// Package breaker provides the sliding-window circuit breaker that guards
// the pipeline's relational collaborators (the correlation store and the
// billing sink). Outcomes are counted in coarse time buckets covering the
// window; once the observed failure rate crosses the threshold the breaker
// opens and sheds calls until a cooldown passes, after which a single probe
// decides whether to close again.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// bucketCount trades memory for resolution: outcomes land in window/bucketCount
// wide slots, so the effective window is accurate to one slot's width.
const bucketCount = 10

type bucket struct {
	start time.Time
	total int
	fails int
}

// CircuitBreaker counts call outcomes over a sliding window and transitions
// Closed -> Open when the failure rate reaches the threshold (with at least
// minSamples observations), Open -> HalfOpen after the cooldown, and
// HalfOpen -> Closed/Open on the outcome of a single probe call.
type CircuitBreaker struct {
	mu            sync.Mutex
	window        time.Duration
	cooldown      time.Duration
	failureThresh float64
	minSamples    int

	state        State
	openedAt     time.Time
	probing      bool
	buckets      [bucketCount]bucket
	bucketSpan   time.Duration
	onTransition func(State)
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &CircuitBreaker{
		window:        window,
		cooldown:      cooldown,
		failureThresh: failureThresh,
		minSamples:    minSamples,
		bucketSpan:    window / bucketCount,
	}
}

// OnTransition registers fn to be called on every state change. fn runs with
// the breaker's lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnTransition(fn func(State)) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
	return cb
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onTransition != nil {
		cb.onTransition(s)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. While Open it returns false until
// the cooldown elapses, then admits exactly one probe; further calls are shed
// until that probe's outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(HalfOpen)
		cb.probing = true
		return true
	case HalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Record feeds one call outcome into the window and applies state transitions.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	if cb.state == HalfOpen {
		cb.probing = false
		if ok {
			cb.setState(Closed)
			cb.reset()
		} else {
			cb.setState(Open)
			cb.openedAt = now
		}
		return
	}

	b := &cb.buckets[cb.slot(now)]
	if now.Sub(b.start) >= cb.bucketSpan {
		b.start = now.Truncate(cb.bucketSpan)
		b.total, b.fails = 0, 0
	}
	b.total++
	if !ok {
		b.fails++
	}

	if cb.state != Closed {
		return
	}
	total, fails := cb.tally(now)
	if total >= cb.minSamples && float64(fails)/float64(total) >= cb.failureThresh {
		cb.setState(Open)
		cb.openedAt = now
	}
}

func (cb *CircuitBreaker) slot(now time.Time) int {
	return int(now.UnixNano()/int64(cb.bucketSpan)) % bucketCount
}

// tally sums buckets still inside the window.
func (cb *CircuitBreaker) tally(now time.Time) (total, fails int) {
	cutoff := now.Add(-cb.window)
	for i := range cb.buckets {
		if cb.buckets[i].start.After(cutoff) {
			total += cb.buckets[i].total
			fails += cb.buckets[i].fails
		}
	}
	return total, fails
}

func (cb *CircuitBreaker) reset() {
	for i := range cb.buckets {
		cb.buckets[i] = bucket{}
	}
}
