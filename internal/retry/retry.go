// Package retry expresses fixed-delay polling loops as a bounded state
// machine so the loops can be tested without real time passing.
package retry

import (
	"context"
	"time"
)

// Budget is the state of a bounded retry loop.
type Budget struct {
	Remaining int
	Delay     time.Duration
}

// New returns a budget allowing attempts more attempts after the first.
func New(attempts int, delay time.Duration) Budget {
	if attempts < 0 {
		attempts = 0
	}

	return Budget{Remaining: attempts, Delay: delay}
}

// Next is the transition taken after a failed attempt. It reports whether
// another attempt is allowed, and the budget to use for it.
func (b Budget) Next() (Budget, bool) {
	if b.Remaining <= 0 {
		return b, false
	}

	return Budget{Remaining: b.Remaining - 1, Delay: b.Delay}, true
}

// Exhausted reports whether no further attempts are allowed.
func (b Budget) Exhausted() bool {
	return b.Remaining <= 0
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// ContextSleeper sleeps for the delay, returning early when ctx is done.
type ContextSleeper struct{}

func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome of one attempt.
type Outcome int

const (
	// Done stops the loop with success.
	Done Outcome = iota
	// Again consumes budget and tries again after the delay.
	Again
	// Stop ends the loop with the attempt's error, regardless of budget.
	Stop
)

// Do runs attempt until it returns Done or Stop, or the budget is exhausted.
// It returns the last attempt error, and whether the budget ran out.
func Do(ctx context.Context, sleeper Sleeper, budget Budget, attempt func(ctx context.Context) (Outcome, error)) (exhausted bool, err error) {
	for {
		outcome, err := attempt(ctx)

		switch outcome {
		case Done, Stop:
			return false, err
		}

		next, ok := budget.Next()
		if !ok {
			return true, err
		}

		if serr := sleeper.Sleep(ctx, budget.Delay); serr != nil {
			return false, serr
		}

		budget = next
	}
}
