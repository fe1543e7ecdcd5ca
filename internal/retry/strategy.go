package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// Unbounded is the MaxRetryCount of a strategy that retries forever.
const Unbounded = math.MaxInt

// Strategy describes how a failed operation is retried: at most
// MaxRetryCount retries after the first attempt, waiting between them
// according to Delay.
type Strategy struct {
	MaxRetryCount int
	Delay         Delay
	ApplyJitter   bool
}

// Named strategies for remote calls.
var (
	NoRetry = Strategy{
		MaxRetryCount: 0,
		Delay:         Never(),
	}

	Default = Strategy{
		MaxRetryCount: 2,
		Delay:         ExponentialBackoff(2*time.Second, 2, 8*time.Second),
		ApplyJitter:   true,
	}

	Aggressive = Strategy{
		MaxRetryCount: 6,
		Delay:         ExponentialBackoff(2*time.Second, 2, 8*time.Second),
		ApplyJitter:   true,
	}

	PostQuantumKeyExchange = Strategy{
		MaxRetryCount: 10,
		Delay:         ExponentialBackoff(10*time.Second, 2, 30*time.Second),
		ApplyJitter:   true,
	}

	FailedMigrationRecovery = Strategy{
		MaxRetryCount: Unbounded,
		Delay:         Constant(5 * time.Second),
	}
)

// MakeDelayIterator returns a fresh iterator over the strategy's delays.
func (s Strategy) MakeDelayIterator() *DelayIterator {
	return s.Delay.MakeDelayIterator(s.ApplyJitter)
}

// BackOff returns the strategy as a backoff.BackOff. It returns backoff.Stop
// after MaxRetryCount delays, or when a non-Never delay sequence runs out.
// A Never delay retries immediately.
func (s Strategy) BackOff() backoff.BackOff {
	b := &strategyBackOff{strategy: s}
	b.Reset()
	return b
}

type strategyBackOff struct {
	strategy Strategy
	iter     *DelayIterator
	retries  int
}

func (b *strategyBackOff) NextBackOff() time.Duration {
	if b.retries >= b.strategy.MaxRetryCount {
		return backoff.Stop
	}
	b.retries++

	d, ok := b.iter.Next()
	if !ok {
		if b.strategy.Delay.IsNever() {
			return 0
		}
		return backoff.Stop
	}
	return d
}

func (b *strategyBackOff) Reset() {
	b.iter = b.strategy.MakeDelayIterator()
	b.retries = 0
}
