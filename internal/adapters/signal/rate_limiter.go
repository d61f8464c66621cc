package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/voicemesh/internal/domain"
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter caps appends per user: limit events per interval, with the
// whole allowance available as a burst.
type RateLimiter struct {
	mu        sync.Mutex
	users     map[domain.UserID]*userLimiter
	limit     int
	interval  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		users:    make(map[domain.UserID]*userLimiter),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil || rl.limit <= 0 || rl.interval <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)
	u, ok := rl.users[uid]
	if !ok {
		every := rate.Every(rl.interval / time.Duration(rl.limit))
		u = &userLimiter{limiter: rate.NewLimiter(every, rl.limit)}
		rl.users[uid] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

// sweep forgets users idle for a whole interval; their bucket is full again
// by then, same as a fresh one.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.interval {
		return
	}
	rl.lastSweep = now
	for id, u := range rl.users {
		if now.Sub(u.lastSeen) >= rl.interval {
			delete(rl.users, id)
		}
	}
}
