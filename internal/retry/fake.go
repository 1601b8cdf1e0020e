package retry

import (
	"context"
	"sync"
	"time"
)

// FakeSleeper records requested delays without sleeping.
type FakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *FakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delays = append(f.delays, d)

	return ctx.Err()
}

// Delays returns the delays slept so far.
func (f *FakeSleeper) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]time.Duration{}, f.delays...)
}

// Total is the sum of all delays slept so far.
func (f *FakeSleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range f.Delays() {
		total += d
	}

	return total
}
