package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTemporary = errors.New("temporary error")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxJitter: 0}
}

func onlyTemporary(err error) bool { return errors.Is(err, errTemporary) }

func TestRetrier_Do(t *testing.T) {
	tests := map[string]struct {
		results       []error
		expectedCalls int
		wantErr       bool
		wantExhausted bool
	}{
		"success on first attempt": {
			results:       []error{nil},
			expectedCalls: 1,
		},
		"success on third attempt": {
			results:       []error{errTemporary, errTemporary, nil},
			expectedCalls: 3,
		},
		"failure after max attempts": {
			results:       []error{errTemporary, errTemporary, errTemporary},
			expectedCalls: 3,
			wantErr:       true,
			wantExhausted: true,
		},
		"non-retryable error fails immediately": {
			results:       []error{errors.New("bad request")},
			expectedCalls: 1,
			wantErr:       true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewRetrier(fastPolicy(), onlyTemporary, testLogger())

			calls := 0
			err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				return tc.results[calls-1]
			})

			assert.Equal(t, tc.expectedCalls, calls)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantExhausted, errors.Is(err, ErrExhausted))
			if tc.wantExhausted {
				var ex *ExhaustedError
				require.ErrorAs(t, err, &ex)
				assert.Equal(t, 3, ex.Attempts)
				assert.ErrorIs(t, err, errTemporary, "last error must stay reachable")
			}
		})
	}
}

func TestRetrier_BackoffSchedule(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxJitter: 500 * time.Millisecond}

	var waits []time.Duration
	r := NewRetrier(policy, nil, testLogger(),
		WithJitter(func(max time.Duration) time.Duration {
			assert.Equal(t, 500*time.Millisecond, max)
			return 100 * time.Millisecond
		}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)

	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errTemporary
	})

	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []time.Duration{1100 * time.Millisecond, 2100 * time.Millisecond}, waits)
}

func TestRetrier_ContextCancellation(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}
	r := NewRetrier(policy, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errTemporary
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestRandomJitter(t *testing.T) {
	assert.Zero(t, randomJitter(0))
	for range 100 {
		j := randomJitter(500 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 500*time.Millisecond)
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, SleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
}
