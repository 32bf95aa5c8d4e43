package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"futuresbot/internal/bot"
	"futuresbot/internal/models"
)

// InstrumentEngine - операции движка, доступные API
type InstrumentEngine interface {
	Instruments() []models.InstrumentRuntime
	Instrument(symbol string) (models.InstrumentRuntime, error)
	ForceClose(ctx context.Context, symbol string) error
}

var _ InstrumentEngine = (*bot.Engine)(nil)

// closeTimeout - предел ожидания принудительного закрытия
const closeTimeout = 30 * time.Second

// InstrumentHandler обрабатывает запросы состояния инструментов
//
// Endpoints:
// - GET /api/v1/instruments - все инструменты
// - GET /api/v1/instruments/{symbol} - один инструмент
// - POST /api/v1/instruments/{symbol}/close - принудительно закрыть позицию
type InstrumentHandler struct {
	engine InstrumentEngine
}

// NewInstrumentHandler создает новый InstrumentHandler
func NewInstrumentHandler(engine InstrumentEngine) *InstrumentHandler {
	return &InstrumentHandler{engine: engine}
}

// GetInstruments возвращает снимки всех инструментов
//
// GET /api/v1/instruments
//
// Response 200 OK:
//
//	[
//	  {
//	    "symbol": "BTCUSDT",
//	    "state": "OPEN",
//	    "position": {"side": "long", "entry_price": 50000, "leverage": 5, ...},
//	    "alert_level": "watch",
//	    "liq_distance": 0.12,
//	    ...
//	  }
//	]
func (h *InstrumentHandler) GetInstruments(w http.ResponseWriter, r *http.Request) {
	list := h.engine.Instruments()
	if list == nil {
		list = []models.InstrumentRuntime{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetInstrument возвращает снимок одного инструмента
//
// GET /api/v1/instruments/{symbol}
//
// HTTP коды:
// - 200 OK
// - 404 Not Found: инструмент не торгуется
func (h *InstrumentHandler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	rt, err := h.engine.Instrument(symbol)
	if err != nil {
		if errors.Is(err, bot.ErrUnknownInstrument) {
			respondWithError(w, http.StatusNotFound, "not_found", "instrument not found: "+symbol)
			return
		}
		respondWithError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, rt)
}

// CloseInstrument принудительно закрывает открытую позицию
//
// POST /api/v1/instruments/{symbol}/close
//
// HTTP коды:
// - 200 OK: позиция закрыта, в ответе снимок после закрытия
// - 404 Not Found: инструмент не торгуется
// - 409 Conflict: нет открытой позиции
// - 502 Bad Gateway: биржа не подтвердила закрытие
func (h *InstrumentHandler) CloseInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	ctx, cancel := context.WithTimeout(r.Context(), closeTimeout)
	defer cancel()

	err := h.engine.ForceClose(ctx, symbol)
	switch {
	case err == nil:
	case errors.Is(err, bot.ErrUnknownInstrument):
		respondWithError(w, http.StatusNotFound, "not_found", "instrument not found: "+symbol)
		return
	case errors.Is(err, bot.ErrNoOpenPosition):
		respondWithError(w, http.StatusConflict, "no_position", "no open position for "+symbol)
		return
	default:
		respondWithError(w, http.StatusBadGateway, "exit_failed", err.Error())
		return
	}

	rt, err := h.engine.Instrument(symbol)
	if err != nil {
		respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "position closed"})
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "position closed", Data: rt})
}
