package safety

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleAfter = 3 * time.Minute

// Limiter applies a token bucket per session: limit messages per window with
// a burst of the same size.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	lastSweep time.Time
}

type session struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter returns a Limiter allowing messages per window for each session.
// A non-positive messages or window disables limiting.
func NewLimiter(messages int, window time.Duration) *Limiter {
	if messages <= 0 || window <= 0 {
		return nil
	}
	return &Limiter{
		limit:    rate.Limit(float64(messages) / window.Seconds()),
		burst:    messages,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Allow reports whether key may send another message now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, s := range l.sessions {
			if now.Sub(s.lastSeen) > staleAfter {
				delete(l.sessions, k)
			}
		}
		l.lastSweep = now
	}

	s, ok := l.sessions[key]
	if !ok {
		s = &session{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[key] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}
