package server

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// rateLimiter is a token bucket.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// submitLimiterCapacity bounds the number of per-user buckets kept. A user
// whose bucket was evicted simply starts again with a full bucket.
const submitLimiterCapacity = 1 << 16

// submitLimiter keeps one token bucket per submitting user so a single user
// cannot monopolise the dispatcher queue.
type submitLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets *simplelru.LRU[chat.UserID, *rateLimiter]
}

func newSubmitLimiter(cfg RateLimitConfig) *submitLimiter {
	// NewLRU only fails for a non-positive size.
	buckets, _ := simplelru.NewLRU[chat.UserID, *rateLimiter](submitLimiterCapacity, nil)
	return &submitLimiter{cfg: cfg, buckets: buckets}
}

func (l *submitLimiter) allow(user chat.UserID) bool {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(user)
	if !ok {
		bucket = newRateLimiter(l.cfg.Burst, l.cfg.RefillInterval)
		l.buckets.Add(user, bucket)
	}
	l.mu.Unlock()
	return bucket.allow()
}
