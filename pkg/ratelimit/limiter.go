package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter - Token Bucket rate limiter для запросов к API биржи
// поверх golang.org/x/time/rate.
//
// Binance считает лимит в "весах" запросов: ордер весит 1,
// exchangeInfo 1, positionRisk 5 и т.д. Поэтому кроме Wait есть WaitN.
//
// Использование:
//
//	limiter := NewRateLimiter(20, 40) // 20 веса/сек, burst 40
//	err := limiter.WaitN(ctx, 5)      // блокирующее ожидание
//	if limiter.Allow() { ... }        // неблокирующая проверка
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter создаёт новый rate limiter
//
// Параметры:
//   - perSecond: количество единиц веса в секунду
//   - burst: максимальный burst (не меньше perSecond)
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = int(perSecond * 2)
	}
	if float64(burst) < perSecond {
		burst = int(perSecond)
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait блокирует до получения одного токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// WaitN блокирует до получения n токенов (вес запроса).
// Вес больше burst урезается до burst.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if b := rl.limiter.Burst(); n > b {
		n = b
	}
	return rl.limiter.WaitN(ctx, n)
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Tokens возвращает текущее количество доступных токенов
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.Tokens()
}

// Rate возвращает скорость пополнения
func (rl *RateLimiter) Rate() float64 {
	return float64(rl.limiter.Limit())
}

// Burst возвращает ёмкость ведра
func (rl *RateLimiter) Burst() int {
	return rl.limiter.Burst()
}

// SetRate меняет скорость пополнения на лету
// (например, после ответа 429 от биржи)
func (rl *RateLimiter) SetRate(perSecond float64) {
	if perSecond <= 0 {
		return
	}
	rl.limiter.SetLimit(rate.Limit(perSecond))
}

// ============================================================
// MultiLimiter - отдельные лимиты на категории запросов
// ============================================================

// MultiLimiter группирует лимитеры по категориям
// ("order", "account", "market")
type MultiLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

// NewMultiLimiter создаёт пустой MultiLimiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add регистрирует лимитер для категории
func (ml *MultiLimiter) Add(category string, perSecond float64, burst int) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[category] = NewRateLimiter(perSecond, burst)
}

// Wait ждёт токен категории. Неизвестная категория не ограничена.
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	return ml.WaitN(ctx, category, 1)
}

// WaitN ждёт n токенов категории
func (ml *MultiLimiter) WaitN(ctx context.Context, category string, n int) error {
	rl := ml.Get(category)
	if rl == nil {
		return nil
	}
	return rl.WaitN(ctx, n)
}

// Allow неблокирующая проверка для категории
func (ml *MultiLimiter) Allow(category string) bool {
	rl := ml.Get(category)
	if rl == nil {
		return true
	}
	return rl.Allow()
}

// Get возвращает лимитер категории или nil
func (ml *MultiLimiter) Get(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.limiters[category]
}
