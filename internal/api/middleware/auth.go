package middleware

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"futuresbot/pkg/crypto"
	"futuresbot/pkg/ratelimit"
)

// Auth - middleware проверки Bearer токена оператора
//
// В конфиге хранится только bcrypt хеш токена (API_TOKEN_HASH).
// Пустой хеш отключает проверку (локальное развертывание).
//
// Успешно проверенный токен кешируется в памяти процесса.
func Auth(tokenHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	if tokenHash == "" {
		logger.Warn("API token hash not configured, authentication disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	var (
		mu       sync.RWMutex
		verified = make(map[string]struct{})
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="futuresbot"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			mu.RLock()
			_, cached := verified[token]
			mu.RUnlock()

			if !cached {
				if err := crypto.VerifyToken(token, tokenHash); err != nil {
					logger.Warn("api auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
					w.Header().Set("WWW-Authenticate", `Bearer realm="futuresbot"`)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				mu.Lock()
				verified[token] = struct{}{}
				mu.Unlock()
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit ограничивает частоту запросов к API (token bucket на процесс).
// perSecond <= 0 отключает ограничение.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := ratelimit.NewRateLimiter(perSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
