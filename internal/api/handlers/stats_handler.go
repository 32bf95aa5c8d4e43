package handlers

import (
	"net/http"
	"time"

	"futuresbot/internal/service"
)

// StatsHandler обрабатывает HTTP запросы статистики торговли.
//
// Endpoints:
// - GET /api/v1/stats - агрегированная статистика
// - GET /api/v1/stats/daily?from=2024-01-01&to=2024-01-31 - дневные итоги
// - GET /api/v1/trades?symbol=BTCUSDT&limit=50 - журнал сделок
type StatsHandler struct {
	statsService service.StatsServiceInterface
}

// NewStatsHandler создает новый StatsHandler с внедрением зависимостей.
func NewStatsHandler(statsService service.StatsServiceInterface) *StatsHandler {
	return &StatsHandler{
		statsService: statsService,
	}
}

// GetStats возвращает агрегированную статистику.
//
// GET /api/v1/stats
//
// Response 200 OK:
//
//	{
//	  "total_trades": 150,
//	  "wins": 90,
//	  "losses": 60,
//	  "win_rate": 0.6,
//	  "total_pnl": 1250.50,
//	  "profit_factor": 1.8,
//	  "max_drawdown": 320.0,
//	  "today_trades": 5,
//	  "today_pnl": 45.20,
//	  "by_reason": {"take-profit": 70, "stop-loss": 50, ...}
//	}
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.statsService == nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "stats service not configured")
		return
	}
	respondWithJSON(w, http.StatusOK, h.statsService.GetStats())
}

// GetTrades возвращает последние закрытые сделки (новые сверху)
//
// GET /api/v1/trades
//
// Query параметры:
// - symbol (string): фильтр по инструменту
// - limit (int): по умолчанию 100, максимум 1000
func (h *StatsHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.statsService == nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "stats service not configured")
		return
	}

	symbol := r.URL.Query().Get("symbol")
	limit := queryInt(r, "limit", 100)

	trades, err := h.statsService.GetTrades(symbol, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "failed to get trades: "+err.Error())
		return
	}
	if trades == nil {
		respondWithJSON(w, http.StatusOK, []struct{}{})
		return
	}
	respondWithJSON(w, http.StatusOK, trades)
}

// GetDaily возвращает дневные итоги за диапазон
//
// GET /api/v1/stats/daily
//
// Query параметры (YYYY-MM-DD, UTC):
// - from: по умолчанию 30 дней назад
// - to: по умолчанию сегодня
//
// HTTP коды:
// - 400 Bad Request: неверный формат даты или from > to
func (h *StatsHandler) GetDaily(w http.ResponseWriter, r *http.Request) {
	if h.statsService == nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "stats service not configured")
		return
	}

	now := time.Now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid_date", "invalid from date: "+v)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid_date", "invalid to date: "+v)
			return
		}
		to = t
	}
	if from.After(to) {
		respondWithError(w, http.StatusBadRequest, "invalid_range", "from must not be after to")
		return
	}

	days, err := h.statsService.GetDaily(from, to)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "failed to get daily stats: "+err.Error())
		return
	}
	if days == nil {
		respondWithJSON(w, http.StatusOK, []struct{}{})
		return
	}
	respondWithJSON(w, http.StatusOK, days)
}
