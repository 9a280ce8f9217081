package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_ImmediateSuccess(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, func() time.Duration { return time.Second }, func(context.Context) (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, func() time.Duration { return time.Second }, func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntil_DeadlineExhausted(t *testing.T) {
	start := time.Now()
	budget := func() time.Duration { return 20*time.Millisecond - time.Since(start) }
	err := Until(context.Background(), 5*time.Millisecond, budget, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrDeadline)
}

func TestUntil_NeverSleepsPastBudget(t *testing.T) {
	start := time.Now()
	budget := func() time.Duration { return 10*time.Millisecond - time.Since(start) }
	err := Until(context.Background(), time.Hour, budget, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrDeadline)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUntil_ConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(context.Background(), time.Millisecond, func() time.Duration { return time.Second }, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestUntil_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, time.Millisecond, func() time.Duration { return time.Second }, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
