package common

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultMaxRequests matches the spot REST request budget.
	DefaultMaxRequests = 1200
	// DefaultWindow is the trailing window the budget applies to.
	DefaultWindow = time.Minute
	// DefaultPollInterval is how long Acquire waits before re-checking a full window.
	DefaultPollInterval = 100 * time.Millisecond
)

// RateLimiter admits at most maxRequests within a trailing window. Admissions are
// recorded as timestamp -> count; expired entries are ignored on every attempt and
// compacted by the prune loop started with Start.
type RateLimiter struct {
	maxRequests  int
	window       time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	requests map[int64]int // unix nanos -> admissions at that instant

	// exchange-reported weight, informational only
	weightMu    sync.RWMutex
	usedWeight  int
	weightLimit int
	weightAt    time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRateLimiter creates a limiter; non-positive arguments fall back to the spot defaults.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		maxRequests:  maxRequests,
		window:       window,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		requests:     make(map[int64]int),
		weightLimit:  maxRequests,
	}
}

// SetPollInterval overrides the wait between admission attempts.
func (rl *RateLimiter) SetPollInterval(d time.Duration) {
	if d > 0 {
		rl.pollInterval = d
	}
}

// Acquire blocks until one more request fits in the window, then records it.
// It only fails when ctx is done; requests are never dropped.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if rl.tryAcquire() {
			return nil
		}
		timer := time.NewTimer(rl.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.inWindowLocked(now) >= rl.maxRequests {
		return false
	}
	rl.requests[now.UnixNano()]++
	return true
}

func (rl *RateLimiter) inWindowLocked(now time.Time) int {
	cutoff := now.Add(-rl.window).UnixNano()
	total := 0
	for ts, n := range rl.requests {
		if ts > cutoff {
			total += n
		}
	}
	return total
}

// Start launches the prune loop, running every window/2 until ctx is done or Stop is called.
func (rl *RateLimiter) Start(ctx context.Context) {
	rl.lifecycle.Lock()
	defer rl.lifecycle.Unlock()
	if rl.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	rl.cancel = cancel
	rl.done = make(chan struct{})

	interval := rl.window / 2
	if interval <= 0 {
		interval = time.Second
	}

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rl.prune(); err != nil {
					log.Printf("rate limiter: %v", err)
				}
			}
		}
	}(rl.done)
}

// Stop ends the prune loop and waits for it to exit.
func (rl *RateLimiter) Stop() {
	rl.lifecycle.Lock()
	cancel, done := rl.cancel, rl.done
	rl.cancel, rl.done = nil, nil
	rl.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// prune drops expired entries. A failure here is reported, never propagated as a panic.
func (rl *RateLimiter) prune() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: prune: %v", ErrRateLimitInternal, r)
		}
	}()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window).UnixNano()
	for ts, n := range rl.requests {
		if ts <= cutoff {
			delete(rl.requests, ts)
			continue
		}
		if n <= 0 {
			delete(rl.requests, ts)
			return fmt.Errorf("%w: non-positive count %d at %d", ErrRateLimitInternal, n, ts)
		}
	}
	return nil
}

// UpdateFromHeader records the used weight reported in X-MBX-USED-WEIGHT-1M.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.weightMu.Lock()
	rl.usedWeight = weight
	rl.weightAt = rl.now()
	limit := rl.weightLimit
	rl.weightMu.Unlock()

	percentage := float64(weight) / float64(limit) * 100
	if percentage >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%) - approaching ban threshold", weight, limit, percentage)
	} else if percentage >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", weight, limit, percentage)
	}
}

// Usage is a point-in-time view of the limiter.
type Usage struct {
	InWindow    int `json:"in_window"`
	MaxRequests int `json:"max_requests"`
	Tracked     int `json:"tracked_entries"`
	UsedWeight  int `json:"used_weight"`
	WeightLimit int `json:"weight_limit"`
}

// Usage returns the admissions inside the current window and the last exchange-reported weight.
func (rl *RateLimiter) Usage() Usage {
	rl.mu.Lock()
	now := rl.now()
	u := Usage{
		InWindow:    rl.inWindowLocked(now),
		MaxRequests: rl.maxRequests,
		Tracked:     len(rl.requests),
	}
	rl.mu.Unlock()

	rl.weightMu.RLock()
	defer rl.weightMu.RUnlock()
	if now.Sub(rl.weightAt) < rl.window {
		u.UsedWeight = rl.usedWeight
	}
	u.WeightLimit = rl.weightLimit
	return u
}
