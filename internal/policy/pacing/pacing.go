// Package pacing inserts randomized pauses between requests so a crawl never hits the
// exchange at a fixed cadence.
package pacing

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// RandomDelay waits a uniformly random duration in [Min, Max].
type RandomDelay struct {
	Min time.Duration
	Max time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRandomDelay builds a pacer. Bounds are swapped when given out of order and negative
// bounds clamp to zero.
func NewRandomDelay(minDelay, maxDelay time.Duration) *RandomDelay {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &RandomDelay{
		Min:   minDelay,
		Max:   maxDelay,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)), //nolint:gosec // jitter only
		sleep: Pause,
	}
}

// Next returns the next delay without waiting.
func (p *RandomDelay) Next() time.Duration {
	span := p.Max - p.Min
	if span <= 0 {
		return p.Min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Min + time.Duration(p.rng.Int64N(int64(span)+1))
}

// Wait sleeps for Next() or until ctx is done.
func (p *RandomDelay) Wait(ctx context.Context) error {
	return p.sleep(ctx, p.Next())
}

// None never waits.
type None struct{}

// Wait returns ctx.Err() immediately.
func (None) Wait(ctx context.Context) error {
	return ctx.Err()
}

// Pause blocks for delay or until ctx is canceled, whichever is first.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
