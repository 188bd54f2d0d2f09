// Package ratelimit enforces the per-user cooldown on horn signals.
//
// Entries are global, not per-group: rejoining a different group does not
// reset a user's cooldown. Entries are deleted on clean disconnect and, for
// users that vanish without a close frame, expired by the stale sweeper.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/metrics"
)

type Limiter struct {
	clock    clockwork.Clock
	cooldown time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func New(clock clockwork.Clock, cooldown time.Duration) *Limiter {
	return &Limiter{
		clock:     clock,
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
	}
}

// TryConsume checks and updates the cooldown for userID in one critical
// section, so concurrent horns from the same user cannot both be accepted.
// On denial it returns the remaining wait, rounded up to a whole second for
// user-facing messaging and always strictly positive.
func (l *Limiter) TryConsume(userID string) (allowed bool, remaining time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	last, exists := l.lastFired[userID]
	if !exists || now.Sub(last) >= l.cooldown {
		l.lastFired[userID] = now
		metrics.RateLimitEntries.Set(float64(len(l.lastFired)))
		return true, 0
	}

	remaining = l.cooldown - now.Sub(last)
	if rounded := remaining.Truncate(time.Second); rounded < remaining {
		remaining = rounded + time.Second
	}
	return false, remaining
}

// Forget drops the entry for userID. Called on disconnect so a returning
// user starts fresh after a full disconnect, not merely after expiry.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastFired, userID)
	metrics.RateLimitEntries.Set(float64(len(l.lastFired)))
}

// EvictExpired prunes entries whose cooldown has fully elapsed. They no
// longer influence TryConsume, so dropping them only bounds map growth for
// users that disconnected without a close event.
func (l *Limiter) EvictExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	evicted := 0
	for userID, last := range l.lastFired {
		if now.Sub(last) >= l.cooldown {
			delete(l.lastFired, userID)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.RateLimitEntries.Set(float64(len(l.lastFired)))
	}
	return evicted
}

// Size returns the current number of tracked users.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastFired)
}
