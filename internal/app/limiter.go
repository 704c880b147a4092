package app

import (
	"sync"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
	"golang.org/x/time/rate"
)

// sweepEvery is how often Allow scans for limiters that can be forgotten.
const sweepEvery = time.Minute

// CallLimiter bounds how often one user may place calls.
// A user's limiter is dropped once its bucket has refilled: a fresh limiter
// would behave the same, so the map only holds users that are still throttled.
type CallLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*rate.Limiter
	limit    rate.Limit
	burst    int
	swept    time.Time
}

func NewCallLimiter(limit rate.Limit, burst int) *CallLimiter {
	return &CallLimiter{
		limiters: make(map[domain.UserID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (cl *CallLimiter) Allow(uid domain.UserID) bool {
	return cl.allowAt(uid, time.Now())
}

func (cl *CallLimiter) allowAt(uid domain.UserID, now time.Time) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if now.Sub(cl.swept) >= sweepEvery {
		cl.sweep(now)
	}
	l, ok := cl.limiters[uid]
	if !ok {
		l = rate.NewLimiter(cl.limit, cl.burst)
		cl.limiters[uid] = l
	}
	return l.AllowN(now, 1)
}

// Len is the number of users currently tracked.
func (cl *CallLimiter) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *CallLimiter) sweep(now time.Time) {
	cl.swept = now
	full := float64(cl.burst)
	for uid, l := range cl.limiters {
		if l.TokensAt(now) >= full {
			delete(cl.limiters, uid)
		}
	}
}
