// Package ratelimit implements a per-client sliding window limiter
// backed by shared counters, so enforcement holds across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eventdrop/eventdrop/internal/store"
)

// Class selects which limit applies to a request. Strict covers the
// endpoints worth probing repeatedly, such as joining rooms by code.
type Class int

const (
	ClassDefault Class = iota
	ClassStrict
)

const (
	windowSeconds = 60
	counterTTL    = 5 * time.Minute
)

type Limiter struct {
	counters     store.CounterStore
	defaultLimit int64
	strictLimit  int64
	log          *log.Logger
	now          func() time.Time
}

func NewLimiter(counters store.CounterStore, defaultLimit, strictLimit int, logger *log.Logger) *Limiter {
	return &Limiter{
		counters:     counters,
		defaultLimit: int64(defaultLimit),
		strictLimit:  int64(strictLimit),
		log:          logger,
		now:          time.Now,
	}
}

// Allow reports whether the client identified by ip may proceed. The
// current minute's counter is always incremented, so a rejected client
// keeps pushing its own window up until it backs off. Counter store
// failures fail open: blocking all traffic on a store outage is worse
// than briefly not limiting it.
func (l *Limiter) Allow(ctx context.Context, ip string, class Class) bool {
	if isLoopback(ip) {
		return true
	}

	now := l.now().Unix()
	minute := now / windowSeconds
	elapsed := now % windowSeconds

	current, err := l.counters.IncrWindow(ctx, counterKey(ip, minute), counterTTL)
	if err != nil {
		l.log.Printf("rate limit counter unavailable, allowing %s: %v", ip, err)
		return true
	}

	last, err := l.counters.GetWindow(ctx, counterKey(ip, minute-1))
	if err != nil {
		l.log.Printf("rate limit counter unavailable, allowing %s: %v", ip, err)
		return true
	}

	limit := l.defaultLimit
	if class == ClassStrict {
		limit = l.strictLimit
	}
	return Weighted(current, last, elapsed) <= limit*windowSeconds
}

// Weighted interpolates the two adjacent minute counters into a single
// sliding-window estimate, scaled by the window length so the fraction
// is exact in integers. At elapsed=0 the previous minute counts in
// full; at elapsed=60 only the current minute remains. Callers compare
// against limit*windowSeconds.
func Weighted(current, last, elapsed int64) int64 {
	return elapsed*current + (windowSeconds-elapsed)*last
}

func counterKey(ip string, minute int64) string {
	return fmt.Sprintf("count#%s#%d", ip, minute)
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}
