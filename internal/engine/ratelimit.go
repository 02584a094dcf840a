package engine

import (
	"context"
	"sync"
	"time"

	"onecell/internal/domain"
)

// tokenBucket throttles outbound platform calls.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(maxBurst int, ratePerMinute float64) *tokenBucket {
	if maxBurst <= 0 {
		maxBurst = 1
	}
	return &tokenBucket{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx ends.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.lastTime = now

		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1.0 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sendLimiter keeps one bucket per platform. A nil limiter never blocks.
type sendLimiter struct {
	burst     int
	perMinute float64

	mu      sync.Mutex
	buckets map[domain.PlatformID]*tokenBucket
}

func newSendLimiter(burst int, perMinute float64) *sendLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &sendLimiter{burst: burst, perMinute: perMinute, buckets: make(map[domain.PlatformID]*tokenBucket)}
}

func (l *sendLimiter) Wait(ctx context.Context, platform domain.PlatformID) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	b, ok := l.buckets[platform]
	if !ok {
		b = newTokenBucket(l.burst, l.perMinute)
		l.buckets[platform] = b
	}
	l.mu.Unlock()
	return b.Wait(ctx)
}
