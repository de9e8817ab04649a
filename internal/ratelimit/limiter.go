// Package ratelimit implements a per-key rolling-window limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// Limiter allows at most limit requests per key within any rolling window
type Limiter struct {
	requests  map[string][]time.Time
	mu        sync.Mutex
	limit     int           // Maximum requests per window
	window    time.Duration // Time window
	clock     timeutil.Clock
	lastPrune time.Time
}

// New creates a limiter. A nil clock uses wall time.
func New(limit int, window time.Duration, clock timeutil.Clock) *Limiter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		requests:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		clock:     clock,
		lastPrune: clock.Now(),
	}
}

// Take consumes a slot for key. On success it returns the slot's timestamp,
// which Refund accepts. Otherwise it returns how long until the oldest slot
// in the window expires.
func (l *Limiter) Take(key string) (slot time.Time, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.maybePrune(now)

	valid := l.active(key, now)
	if len(valid) >= l.limit {
		l.requests[key] = valid
		return time.Time{}, valid[0].Add(l.window).Sub(now), false
	}

	l.requests[key] = append(valid, now)
	return now, 0, true
}

// Refund returns a slot taken at slot, for requests that never reached their
// target
func (l *Limiter) Refund(key string, slot time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.requests[key]
	for i, t := range times {
		if t.Equal(slot) {
			times = append(times[:i:i], times[i+1:]...)
			break
		}
	}
	if len(times) == 0 {
		delete(l.requests, key)
		return
	}
	l.requests[key] = times
}

// Seed records a request made at a past time, such as one restored from
// storage after a restart. Requests already outside the window are ignored.
func (l *Limiter) Seed(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(at) >= l.window {
		return
	}
	times := l.requests[key]
	i := len(times)
	for i > 0 && times[i-1].After(at) {
		i--
	}
	times = append(times, time.Time{})
	copy(times[i+1:], times[i:])
	times[i] = at
	l.requests[key] = times
}

// Remaining returns the number of free slots for key
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.active(key, l.clock.Now()))
}

// RetryAfter returns how long until key has a free slot, or 0 if it has one
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	valid := l.active(key, now)
	if len(valid) < l.limit {
		return 0
	}
	return valid[0].Add(l.window).Sub(now)
}

// active returns the request times for key still inside the window
func (l *Limiter) active(key string, now time.Time) []time.Time {
	var valid []time.Time
	for _, t := range l.requests[key] {
		if now.Sub(t) < l.window {
			valid = append(valid, t)
		}
	}
	return valid
}

// maybePrune drops idle keys once per window
func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for key := range l.requests {
		if valid := l.active(key, now); len(valid) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = valid
		}
	}
}
