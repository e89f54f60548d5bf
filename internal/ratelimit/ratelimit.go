// Package ratelimit implements the per-device send cooldown.
//
// The check and the record are deliberately two steps: MaySend consumes
// nothing, and RecordSent is called only after the outbound send actually
// succeeded, so an aborted send never burns the window.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
}

func New() *Limiter {
	return &Limiter{lastSent: map[string]time.Time{}}
}

// MaySend reports whether the device is outside its cooldown window.
// On denial, remaining is how long until the window reopens.
func (l *Limiter) MaySend(deviceID string, now time.Time, cooldown time.Duration) (ok bool, remaining time.Duration) {
	if cooldown <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.lastSent[deviceID]
	if !seen {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return true, 0
	}
	return false, cooldown - elapsed
}

// RecordSent marks a successful send for the device.
// Records are never deleted; the map is bounded by the number of devices.
func (l *Limiter) RecordSent(deviceID string, now time.Time) {
	l.mu.Lock()
	l.lastSent[deviceID] = now
	l.mu.Unlock()
}

// LastSent returns the device's last recorded send, if any.
func (l *Limiter) LastSent(deviceID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastSent[deviceID]
	return t, ok
}
