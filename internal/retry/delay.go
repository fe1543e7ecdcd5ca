// Package retry provides retry delay sequences, named retry strategies and a
// cancellable retry loop for remote operations.
package retry

import (
	"math"
	"math/bits"
	"math/rand/v2"
	"time"
)

type delayKind int

const (
	kindNever delayKind = iota
	kindConstant
	kindExponential
)

// Delay is a policy producing the wait durations between attempts of a
// retried operation. The zero value is Never.
type Delay struct {
	kind       delayKind
	duration   time.Duration // constant delay, or initial backoff delay
	multiplier uint64
	maxDelay   time.Duration
}

// Never returns a policy with no delays: its iterator is exhausted
// immediately.
func Never() Delay {
	return Delay{kind: kindNever}
}

// Constant returns a policy yielding d indefinitely.
func Constant(d time.Duration) Delay {
	return Delay{kind: kindConstant, duration: max(d, 0)}
}

// ExponentialBackoff returns a policy yielding initial, then each previous
// value multiplied by multiplier, capped at maxDelay.
func ExponentialBackoff(initial time.Duration, multiplier uint64, maxDelay time.Duration) Delay {
	return Delay{
		kind:       kindExponential,
		duration:   max(initial, 0),
		multiplier: multiplier,
		maxDelay:   max(maxDelay, 0),
	}
}

// IsNever reports whether the policy never yields a delay.
func (d Delay) IsNever() bool {
	return d.kind == kindNever
}

// MakeDelayIterator returns a fresh iterator over the policy's delays. When
// applyJitter is set each yielded delay d is increased by a random amount
// in [0, d). Backoff delays are clamped to the cap after jitter; constant
// delays are not.
func (d Delay) MakeDelayIterator(applyJitter bool) *DelayIterator {
	return &DelayIterator{
		delay:   d,
		jitter:  applyJitter,
		uniform: rand.Float64,
	}
}

// DelayIterator yields the delays of a Delay policy one at a time. It is not
// safe for concurrent use.
type DelayIterator struct {
	delay   Delay
	jitter  bool
	uniform func() float64

	started bool
	current time.Duration
}

// Next returns the next delay. The second result is false once the sequence
// is exhausted, which only happens for Never.
func (it *DelayIterator) Next() (time.Duration, bool) {
	switch it.delay.kind {
	case kindConstant:
		d := it.delay.duration
		if it.jitter {
			d = it.addJitter(d)
		}
		return d, true

	case kindExponential:
		if !it.started {
			it.started = true
			it.current = min(it.delay.duration, it.delay.maxDelay)
		} else {
			it.current = min(saturatingMul(it.current, it.delay.multiplier), it.delay.maxDelay)
		}
		d := it.current
		if it.jitter {
			d = min(it.addJitter(d), it.delay.maxDelay)
		}
		return d, true

	default:
		return 0, false
	}
}

// addJitter returns d + floor(d_ms * U) milliseconds, U drawn from [0, 1).
func (it *DelayIterator) addJitter(d time.Duration) time.Duration {
	ms := float64(d.Milliseconds()) * it.uniform()
	extra := time.Duration(math.Floor(ms)) * time.Millisecond
	if d > math.MaxInt64-extra {
		return math.MaxInt64
	}
	return d + extra
}

// saturatingMul multiplies a non-negative duration, returning the largest
// duration instead of wrapping on overflow.
func saturatingMul(d time.Duration, m uint64) time.Duration {
	hi, lo := bits.Mul64(uint64(d), m)
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(lo)
}
