package api

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-user limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter holds one token bucket per user.
type userLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newUserLimiter(perMinute float64, burst int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
	}
}

// allow reports whether userID may start a turn now. When it may not, it
// also returns how long until a token is available.
func (u *userLimiter) allow(userID string) (bool, time.Duration) {
	if u == nil {
		return true, 0
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	u.sweep(now)

	e, ok := u.limiters[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(u.limit, u.burst)}
		u.limiters[userID] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// sweep drops limiters idle for longer than limiterIdleTTL. It runs at
// most once per TTL.
func (u *userLimiter) sweep(now time.Time) {
	if now.Sub(u.lastSweep) < limiterIdleTTL {
		return
	}
	u.lastSweep = now
	for id, e := range u.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(u.limiters, id)
		}
	}
}

func (u *userLimiter) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.limiters)
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
