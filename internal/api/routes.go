package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"futuresbot/internal/api/handlers"
	"futuresbot/internal/api/middleware"
	"futuresbot/internal/service"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine              handlers.InstrumentEngine
	StatsService        service.StatsServiceInterface
	NotificationService service.NotificationServiceInterface
	WebSocket           http.HandlerFunc

	Logger         *zap.Logger
	TokenHash      string   // bcrypt хеш Bearer токена, пусто = без auth
	AllowedOrigins []string // CORS
	RateLimit      float64  // запросов/сек на /api/v1, 0 = без ограничения
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /instruments/
//	│   ├── GET / - состояние всех инструментов
//	│   ├── GET /{symbol} - состояние инструмента
//	│   └── POST /{symbol}/close - принудительно закрыть позицию
//	├── GET /trades - журнал сделок
//	├── /stats/
//	│   ├── GET / - агрегированная статистика
//	│   └── GET /daily - дневные итоги
//	└── /notifications/
//	    ├── GET / - получить уведомления
//	    └── DELETE / - очистить журнал
//
// /ws/stream - WebSocket для real-time обновлений
// /health, /metrics - без аутентификации
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. RateLimit + Auth (только /api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	auth := middleware.Auth(deps.TokenHash, logger)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RateLimit(deps.RateLimit, int(deps.RateLimit*2)))
	api.Use(auth)

	if deps.Engine != nil {
		h := handlers.NewInstrumentHandler(deps.Engine)
		api.HandleFunc("/instruments", h.GetInstruments).Methods(http.MethodGet)
		api.HandleFunc("/instruments/{symbol}", h.GetInstrument).Methods(http.MethodGet)
		api.HandleFunc("/instruments/{symbol}/close", h.CloseInstrument).Methods(http.MethodPost)
	}

	if deps.StatsService != nil {
		h := handlers.NewStatsHandler(deps.StatsService)
		api.HandleFunc("/trades", h.GetTrades).Methods(http.MethodGet)
		api.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
		api.HandleFunc("/stats/daily", h.GetDaily).Methods(http.MethodGet)
	}

	if deps.NotificationService != nil {
		h := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", h.GetNotifications).Methods(http.MethodGet)
		api.HandleFunc("/notifications", h.ClearNotifications).Methods(http.MethodDelete)
	}

	if deps.WebSocket != nil {
		router.Handle("/ws/stream", auth(deps.WebSocket)).Methods(http.MethodGet)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	started := time.Now()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","uptime":"` + time.Since(started).Round(time.Second).String() + `"}`))
	}).Methods(http.MethodGet)

	return router
}
