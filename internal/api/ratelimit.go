package api

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/nerrad567/printbridge/internal/infrastructure/config"
)

// limiterIdle is how long a client's limiter is kept after its last request.
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client address.
type clientLimiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	clock   clockwork.Clock

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newClientLimiter(cfg config.RateLimitConfig, clock clockwork.Clock) *clientLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	return &clientLimiter{
		enabled:  cfg.Enabled,
		limit:    rate.Limit(float64(rpm) / 60),
		burst:    max(rpm/6, 1),
		clock:    clock,
		visitors: make(map[string]*visitor),
	}
}

// allow reports whether addr may proceed and, if not, how long to wait.
func (l *clientLimiter) allow(addr string) (bool, time.Duration) {
	if !l.enabled {
		return true, 0
	}
	now := l.clock.Now()

	l.mu.Lock()
	v, ok := l.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[addr] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// cleanIdle forgets clients that have been quiet for limiterIdle.
func (l *clientLimiter) cleanIdle() {
	cutoff := l.clock.Now().Add(-limiterIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, addr)
		}
	}
}

func (l *clientLimiter) cleanLoop(ctx context.Context) {
	if !l.enabled {
		return
	}
	ticker := l.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.cleanIdle()
		}
	}
}
