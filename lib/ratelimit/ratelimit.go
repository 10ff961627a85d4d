// Package ratelimit bounds how often, and for how many sats, a single requester key may hit the faucet within a
// sliding window. Keys are whatever identifies the requester best for a variant: the destination address for
// on-chain sends, the node pubkey for channel opens, the request origin otherwise.
package ratelimit

import (
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	sats uint64
}

type window struct {
	entries []entry
}

// drop entries older than the window start.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}

	w.entries = w.entries[i:]
}

func (w *window) sum() (s uint64) {
	for _, e := range w.entries {
		s += e.sats
	}

	return s
}

// Limiter implements per-key sliding-window counting. A key is allowed while both the number of recorded entries
// and their sats sum stay below the configured limits; denied checks are not recorded, so a denied request never
// consumes budget. MaxSats zero disables the sats check.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxReqs int
	maxSats uint64
	keys    map[string]*window
	now     func() time.Time
}

// New returns a limiter allowing maxReqs entries and maxSats total sats per key per window.
func New(win time.Duration, maxReqs int, maxSats uint64) *Limiter {
	return &Limiter{
		window:  win,
		maxReqs: maxReqs,
		maxSats: maxSats,
		keys:    make(map[string]*window),
		now:     time.Now,
	}
}

// Allow checks every key against the window and, only if all of them pass, records the request under every key.
// Recording under all keys mirrors checking under all keys: a payout counts against the origin and the
// destination alike.
func (l *Limiter) Allow(sats uint64, keys ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	for _, k := range keys {
		w, ok := l.keys[k]
		if !ok {
			continue
		}

		w.prune(cutoff)

		if len(w.entries) >= l.maxReqs {
			return false
		}

		if l.maxSats > 0 && w.sum()+sats > l.maxSats {
			return false
		}
	}

	for _, k := range keys {
		w, ok := l.keys[k]
		if !ok {
			w = &window{}
			l.keys[k] = w
		}

		w.entries = append(w.entries, entry{at: now, sats: sats})
	}

	return true
}

// Recorded returns how many entries are currently within the window for the key.
func (l *Limiter) Recorded(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.keys[key]
	if !ok {
		return 0
	}

	w.prune(l.now().Add(-l.window))

	return len(w.entries)
}
