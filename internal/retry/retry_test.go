package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
)

func TestPresets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		strategy  Strategy
		wantRetry int
		wantFirst time.Duration
		jitter    bool
	}{
		{"NoRetry", NoRetry, 0, 0, false},
		{"Default", Default, 2, 2 * time.Second, true},
		{"Aggressive", Aggressive, 6, 2 * time.Second, true},
		{"PostQuantumKeyExchange", PostQuantumKeyExchange, 10, 10 * time.Second, true},
		{"FailedMigrationRecovery", FailedMigrationRecovery, Unbounded, 5 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.strategy.MaxRetryCount != tt.wantRetry {
				t.Errorf("MaxRetryCount = %d, want %d", tt.strategy.MaxRetryCount, tt.wantRetry)
			}
			if tt.strategy.ApplyJitter != tt.jitter {
				t.Errorf("ApplyJitter = %v, want %v", tt.strategy.ApplyJitter, tt.jitter)
			}
			d, ok := tt.strategy.Delay.MakeDelayIterator(false).Next()
			if tt.strategy.Delay.IsNever() {
				if ok {
					t.Errorf("Never delay yielded %v", d)
				}
				return
			}
			if d != tt.wantFirst {
				t.Errorf("first delay = %v, want %v", d, tt.wantFirst)
			}
		})
	}
}

func TestDefault_BackOffSequence(t *testing.T) {
	t.Parallel()

	b := Default.BackOff()

	bounds := []struct{ lo, hi time.Duration }{
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 8 * time.Second},
	}
	for i, want := range bounds {
		d := b.NextBackOff()
		if d < want.lo || d > want.hi {
			t.Errorf("wait %d = %v, want within [%v, %v]", i, d, want.lo, want.hi)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("wait after MaxRetryCount = %v, want Stop", d)
	}

	b.Reset()
	if d := b.NextBackOff(); d == backoff.Stop {
		t.Error("NextBackOff() after Reset = Stop, want a delay")
	}
}

func TestNoRetry_BackOffStopsImmediately(t *testing.T) {
	t.Parallel()

	if d := NoRetry.BackOff().NextBackOff(); d != backoff.Stop {
		t.Errorf("NextBackOff() = %v, want Stop", d)
	}
}

func TestNeverDelay_retriesImmediately(t *testing.T) {
	t.Parallel()

	b := Strategy{MaxRetryCount: 2, Delay: Never()}.BackOff()
	for i := range 2 {
		if d := b.NextBackOff(); d != 0 {
			t.Errorf("wait %d = %v, want 0", i, d)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("wait 2 = %v, want Stop", d)
	}
}

func fastStrategy(retries int) Strategy {
	return Strategy{MaxRetryCount: retries, Delay: Constant(time.Millisecond)}
}

func TestDo_succeedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var notified []int
	err := Do(context.Background(), fastStrategy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		notified = append(notified, attempt)
		if wait != time.Millisecond {
			t.Errorf("notify wait = %v, want 1ms", wait)
		}
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notified attempts = %v, want [1 2]", notified)
	}
}

func TestDo_exhausted(t *testing.T) {
	t.Parallel()

	errUnavailable := errors.New("unavailable")
	calls := 0
	err := Do(context.Background(), fastStrategy(2), func(context.Context) error {
		calls++
		return errUnavailable
	}, nil)

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Do() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errUnavailable) {
		t.Errorf("Do() error = %v, want wrapped op error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 attempt + 2 retries)", calls)
	}
}

func TestDo_noRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), NoRetry, func(context.Context) error {
		calls++
		return errors.New("fail")
	}, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Do() error = %v, want ErrExhausted", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_cancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := Strategy{MaxRetryCount: Unbounded, Delay: Constant(time.Hour)}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, s, func(context.Context) error {
			return errors.New("fail")
		}, func(error, int, time.Duration) {
			cancel()
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do() did not return after cancellation")
	}
}

func TestDo_alreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, Default, func(context.Context) error {
		called = true
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("op called with cancelled context")
	}
}
