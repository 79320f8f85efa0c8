package peersync

import (
	"sync"
	"time"
)

// DefaultSessionsPerMinute bounds how often a single peer may open
// sessions against this node.
const DefaultSessionsPerMinute = 3

// RateLimiter bounds session starts per peer fingerprint over a sliding
// one-minute window. A cheap guard against peers that spin sessions to
// burn this node's battery and airtime.
type RateLimiter struct {
	mu       sync.Mutex
	perMin   int
	attempts map[string][]int64
}

// NewRateLimiter creates a limiter allowing perMinute session starts per
// peer. Zero or negative means DefaultSessionsPerMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultSessionsPerMinute
	}
	return &RateLimiter{
		perMin:   perMinute,
		attempts: make(map[string][]int64),
	}
}

// Allow records a session attempt for the peer and reports whether it is
// within the window.
func (l *RateLimiter) Allow(peerFP string, now int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now - time.Minute.Milliseconds()
	kept := l.attempts[peerFP][:0]
	for _, at := range l.attempts[peerFP] {
		if at > cutoff {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.perMin {
		l.attempts[peerFP] = kept
		return false
	}
	l.attempts[peerFP] = append(kept, now)
	return true
}
