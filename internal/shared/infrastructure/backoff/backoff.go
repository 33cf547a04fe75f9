// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/convert"
)

// maxShift keeps base<<attempt inside int64 for any sane base.
const maxShift = 30

// Policy describes an exponential schedule: Base doubled per attempt, capped
// at Max, then scaled by a uniform factor in [1-Jitter, 1+Jitter].
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DeliveryPolicy is the provider retry schedule: 1s doubling to 10s, ±30%.
func DeliveryPolicy() Policy {
	return Policy{Base: time.Second, Max: 10 * time.Second, Jitter: 0.3}
}

// Exponential returns min(Base·2^attempt, Max) without jitter.
func (p Policy) Exponential(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	shift := convert.IntToUintClamped(attempt)
	if shift > maxShift {
		shift = maxShift
	}
	d := p.Base << shift
	if p.Max > 0 && (d > p.Max || d <= 0) {
		return p.Max
	}
	return d
}

// Delay returns the jittered delay before retry number attempt (0-based).
// The result lies in [Exponential(attempt)·(1-Jitter), Max·(1+Jitter)].
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Exponential(attempt)
	if p.Jitter <= 0 {
		return d
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	factor := 1 - p.Jitter + 2*p.Jitter*r()
	if factor < 0 {
		factor = 0
	}
	return time.Duration(float64(d) * factor)
}

// MaxDelay is the longest delay Delay(attempt) can return.
func (p Policy) MaxDelay(attempt int) time.Duration {
	d := p.Exponential(attempt)
	if p.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + p.Jitter))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
