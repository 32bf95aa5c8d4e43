// Package retry - повторы операций с экспоненциальной задержкой.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// Config - политика повторов
type Config struct {
	MaxRetries   int // попыток всего, включая первую; <= 0 - до отмены ctx
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// RetryIf отбирает повторяемые ошибки. nil - все, кроме Permanent.
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 4 попытки, 100ms..30s с jitter
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// ExitConfig - закрытие позиции: 5 попыток, 200ms..5s без jitter
func ExitConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// NetworkConfig - переподключение стримов: без ограничения попыток, 1s..60s
func NetworkConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

func (c *Config) normalize() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	switch {
	case c.MaxDelay <= 0:
		c.MaxDelay = 30 * time.Second
	case c.MaxDelay < c.InitialDelay:
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
}

// Backoff создаёт генератор задержек jpillora/backoff
func (c Config) Backoff() *backoff.Backoff {
	c.normalize()
	return &backoff.Backoff{
		Min:    c.InitialDelay,
		Max:    c.MaxDelay,
		Factor: c.Multiplier,
		Jitter: c.Jitter,
	}
}

// Do повторяет operation по политике cfg и возвращает последнюю ошибку
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - Do для операций с результатом.
// Если ошибка несёт подсказку RetryAfter, задержка не меньше неё;
// подсказка больше MaxDelay прекращает повторы.
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()
	b := cfg.Backoff()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.retryable(err) || (cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries) {
			return zero, err
		}

		delay := b.Duration()
		if hint, ok := RetryAfterOf(err); ok {
			if hint > cfg.MaxDelay {
				return zero, err
			}
			if hint > delay {
				delay = hint
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}
}

func (c Config) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	return c.RetryIf == nil || c.RetryIf(err)
}

// RetryIfNotContext не повторяет отмену и таймаут контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ============================================================
// Классификация ошибок
// ============================================================

// PermanentError - ошибка, которую бесполезно повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает err как неповторяемую. nil остаётся nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent сообщает, помечена ли ошибка через Permanent
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// RetryAfterError - ошибка с подсказкой сервера о паузе (HTTP 429, Retry-After)
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// After оборачивает err подсказкой паузы. d <= 0 возвращает err без изменений.
func After(err error, d time.Duration) error {
	if err == nil || d <= 0 {
		return err
	}
	return &RetryAfterError{Err: err, After: d}
}

// RetryAfterOf извлекает подсказку паузы из цепочки ошибок
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
