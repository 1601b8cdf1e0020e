package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetNext(t *testing.T) {
	b := New(2, time.Second)

	b, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, 1, b.Remaining)

	b, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, 0, b.Remaining)
	assert.True(t, b.Exhausted())

	_, ok = b.Next()
	assert.False(t, ok)
}

func TestNewNegative(t *testing.T) {
	assert.True(t, New(-3, time.Second).Exhausted())
}

func TestDo(t *testing.T) {
	errAttempt := errors.New("attempt failed")

	testcases := []struct {
		name          string
		budget        Budget
		succeedAt     int
		stopAt        int
		wantAttempts  int
		wantExhausted bool
		wantErr       error
		wantDelays    int
	}{
		{"first attempt", New(3, time.Second), 1, 0, 1, false, nil, 0},
		{"third attempt", New(3, time.Second), 3, 0, 3, false, nil, 2},
		{"exhausted", New(3, time.Second), 0, 0, 4, true, errAttempt, 3},
		{"zero budget", New(0, time.Second), 0, 0, 1, true, errAttempt, 0},
		{"stop", New(5, time.Second), 0, 2, 2, false, errAttempt, 1},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			sleeper := &FakeSleeper{}
			attempts := 0

			exhausted, err := Do(context.Background(), sleeper, tc.budget, func(context.Context) (Outcome, error) {
				attempts++

				switch attempts {
				case tc.succeedAt:
					return Done, nil
				case tc.stopAt:
					return Stop, errAttempt
				default:
					return Again, errAttempt
				}
			})

			assert.Equal(t, tc.wantAttempts, attempts)
			assert.Equal(t, tc.wantExhausted, exhausted)
			assert.Equal(t, tc.wantErr, err)
			assert.Len(t, sleeper.Delays(), tc.wantDelays)
			assert.Equal(t, time.Duration(tc.wantDelays)*time.Second, sleeper.Total())
		})
	}
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	exhausted, err := Do(ctx, ContextSleeper{}, New(10, time.Hour), func(context.Context) (Outcome, error) {
		attempts++
		return Again, nil
	})

	assert.False(t, exhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestContextSleeper(t *testing.T) {
	start := time.Now()
	require.NoError(t, ContextSleeper{}.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
