package exchange

import (
	"context"
	"errors"
	"time"

	"futuresbot/internal/models"
)

// Client - унифицированный интерфейс биржевого клиента.
//
// Торговое ядро не делает сетевых вызовов само, всё идёт через Client.
// Live реализация - Binance USDⓈ-M futures, для бэктеста - Replay.
type Client interface {
	// Name возвращает имя клиента ("binance", "replay")
	Name() string

	// GetBars возвращает последние закрытые бары (прогрев индикаторов)
	GetBars(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error)

	// SubscribeBars подписывается на закрытые бары.
	// Подписка живёт до отмены ctx.
	SubscribeBars(ctx context.Context, symbol, interval string, handler func(models.Bar)) error

	// SubscribeMarkPrice подписывается на mark price
	SubscribeMarkPrice(ctx context.Context, symbol string, handler func(models.MarkPrice)) error

	// GetEquity возвращает эквити фьючерсного аккаунта в USDT
	GetEquity(ctx context.Context) (float64, error)

	// PlaceOrder выставляет рыночный ордер на вход и возвращает исполнение
	PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error)

	// ClosePosition закрывает позицию по символу рыночным reduce-only ордером
	ClosePosition(ctx context.Context, symbol string) (*Fill, error)

	// ReducePosition закрывает часть позиции рыночным reduce-only ордером.
	// qty округляется вниз до шага лота; qty не меньше размера позиции закрывает её целиком.
	ReducePosition(ctx context.Context, symbol string, qty float64) (*Fill, error)

	// GetPosition возвращает открытую позицию или ErrNoPosition
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// GetLimits возвращает торговые лимиты символа
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// Close закрывает соединения
	Close() error
}

// Ошибки клиента
var (
	ErrNoPosition        = errors.New("no open position")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrInvalidQuantity   = errors.New("invalid order quantity")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient margin")
)

// OrderRequest - запрос на открытие позиции
type OrderRequest struct {
	Symbol   string      `json:"symbol"`
	Side     models.Side `json:"side"`
	Quantity float64     `json:"quantity"`
	Leverage int         `json:"leverage"`
}

// OrderSide возвращает сторону ордера (buy/sell) для открытия позиции
func (r OrderRequest) OrderSide() string {
	if r.Side == models.SideShort {
		return SideSell
	}
	return SideBuy
}

// Fill - результат исполнения рыночного ордера
type Fill struct {
	OrderID   string      `json:"order_id"`
	Symbol    string      `json:"symbol"`
	Side      models.Side `json:"side"`
	Quantity  float64     `json:"quantity"`
	AvgPrice  float64     `json:"avg_price"`
	Fee       float64     `json:"fee"`
	Timestamp time.Time   `json:"timestamp"`
}

// Position - позиция на стороне биржи
type Position struct {
	Symbol           string      `json:"symbol"`
	Side             models.Side `json:"side"`
	Size             float64     `json:"size"`
	EntryPrice       float64     `json:"entry_price"`
	MarkPrice        float64     `json:"mark_price"`
	Leverage         int         `json:"leverage"`
	LiquidationPrice float64     `json:"liquidation_price"`
	UnrealizedPnl    float64     `json:"unrealized_pnl"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Limits содержит торговые ограничения биржи
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"` // минимальный размер ордера
	MaxOrderQty float64 `json:"max_order_qty"` // максимальный размер ордера
	QtyStep     float64 `json:"qty_step"`      // шаг количества (lot size)
	MinNotional float64 `json:"min_notional"`  // минимальная сумма сделки в USDT
	PriceStep   float64 `json:"price_step"`    // шаг цены (tick size)
	MaxLeverage int     `json:"max_leverage"`  // максимальное плечо
}

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Стороны ордера
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)
