package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")

	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, cfg)

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("rejected")

	err := Do(context.Background(), func() error {
		calls++
		return Permanent(sentinel)
	}, fastConfig(5))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))
}

func TestDo_RetryIf(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.RetryIf = RetryIfNotContext

	err := Do(context.Background(), func() error {
		calls++
		return context.DeadlineExceeded
	}, cfg)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return nil
	}, fastConfig(3))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first fails")
		}
		return 42, nil
	}, fastConfig(2))

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestConfig_Backoff(t *testing.T) {
	b := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}.Backoff()

	assert.Equal(t, 10*time.Millisecond, b.Duration())
	assert.Equal(t, 20*time.Millisecond, b.Duration())
	assert.Equal(t, 40*time.Millisecond, b.Duration())
	assert.Equal(t, 40*time.Millisecond, b.Duration())
}

func TestPermanentNil(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}

func TestDo_RetryAfterHint(t *testing.T) {
	var delays []time.Duration
	cfg := fastConfig(3)
	cfg.MaxDelay = 50 * time.Millisecond
	cfg.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return After(errors.New("429"), 20*time.Millisecond)
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, 20*time.Millisecond, delays[0])
}

func TestDo_RetryAfterBeyondMaxDelay(t *testing.T) {
	calls := 0
	sentinel := errors.New("banned")
	err := Do(context.Background(), func() error {
		calls++
		return After(sentinel, time.Hour)
	}, fastConfig(5))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
	d, ok := RetryAfterOf(err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d)
}

func TestAfter(t *testing.T) {
	base := errors.New("x")
	assert.Nil(t, After(nil, time.Second))
	assert.Same(t, base, After(base, 0))
	_, ok := RetryAfterOf(base)
	assert.False(t, ok)
}
