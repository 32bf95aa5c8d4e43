package models

import (
	"slices"
	"time"
)

// Side - сторона позиции
type Side string

// Стороны позиции
const (
	SideLong  Side = "long"  // ставка на рост
	SideShort Side = "short" // ставка на падение
)

// Sign возвращает +1 для long и -1 для short
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Direction возвращает направление сигнала, соответствующее стороне
func (s Side) Direction() Direction {
	if s == SideShort {
		return DirectionShort
	}
	return DirectionLong
}

// Состояния контроллера позиции (state machine)
const (
	StateFlat     = "FLAT"     // позиции нет, ожидание сигнала
	StateEntering = "ENTERING" // ордер на вход отправлен
	StateOpen     = "OPEN"     // позиция открыта
	StateExiting  = "EXITING"  // закрытие позиции
)

// Position - открытая позиция по инструменту.
// Принадлежит контроллеру, меняется только его переходами.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	Leverage         int       `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	StopLossPrice    float64   `json:"stop_loss_price"`
	TakeProfitPrice  float64   `json:"take_profit_price"`
	OpenedAt         time.Time `json:"opened_at"`
	OpenedTick       int64     `json:"opened_tick"`

	// Лестница частичных тейк-профитов, по возрастанию прибыли.
	// Доли считаются от InitialQuantity, остаток закрывает TakeProfitPrice.
	InitialQuantity float64           `json:"initial_quantity"`
	TakeProfits     []TakeProfitLevel `json:"take_profits,omitempty"`

	// Трейлинг стоп: после TrailingFrom стоп идёт за ценой на TrailingStopPct
	TrailingStopPct float64 `json:"trailing_stop_pct,omitempty"`
	TrailingFrom    float64 `json:"trailing_from,omitempty"`
}

// TakeProfitLevel - ступень частичной фиксации прибыли
type TakeProfitLevel struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"` // доля начального объёма
	Filled   bool    `json:"filled"`
}

// Clone возвращает копию позиции, не разделяющую лестницу с оригиналом
func (p Position) Clone() Position {
	p.TakeProfits = slices.Clone(p.TakeProfits)
	return p
}

// Notional возвращает номинал позиции по цене входа
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// UnrealizedPnl возвращает нереализованный PNL по текущей цене
func (p Position) UnrealizedPnl(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// StopTouched проверяет касание стоп-лосса
func (p Position) StopTouched(price float64) bool {
	if p.StopLossPrice <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price <= p.StopLossPrice
	}
	return price >= p.StopLossPrice
}

// TakeProfitTouched проверяет касание тейк-профита
func (p Position) TakeProfitTouched(price float64) bool {
	if p.TakeProfitPrice <= 0 {
		return false
	}
	return p.reached(price, p.TakeProfitPrice)
}

// NextTakeProfit возвращает первую неисполненную ступень лестницы,
// если цена до неё дошла
func (p Position) NextTakeProfit(price float64) (int, bool) {
	for i, lvl := range p.TakeProfits {
		if lvl.Filled {
			continue
		}
		return i, lvl.Price > 0 && p.reached(price, lvl.Price)
	}
	return -1, false
}

// TrailStop подтягивает стоп за ценой. Стоп только улучшается.
// Возвращает true если стоп сдвинулся.
func (p *Position) TrailStop(mark float64) bool {
	if p.TrailingStopPct <= 0 || mark <= 0 {
		return false
	}
	if p.TrailingFrom > 0 && !p.reached(mark, p.TrailingFrom) {
		return false
	}
	candidate := mark * (1 - p.Side.Sign()*p.TrailingStopPct)
	if p.StopLossPrice > 0 && (candidate-p.StopLossPrice)*p.Side.Sign() <= 0 {
		return false
	}
	p.StopLossPrice = candidate
	return true
}

// reached - цена дошла до level в сторону прибыли
func (p Position) reached(price, level float64) bool {
	if p.Side == SideLong {
		return price >= level
	}
	return price <= level
}

// InstrumentRuntime - runtime состояние инструмента для UI и API
type InstrumentRuntime struct {
	Symbol            string    `json:"symbol"`
	State             string    `json:"state"` // FLAT, ENTERING, OPEN, EXITING
	Position          *Position `json:"position,omitempty"`
	LastSignal        *Signal   `json:"last_signal,omitempty"`
	AlertLevel        string    `json:"alert_level"`
	LiqDistance       float64   `json:"liq_distance"`
	MarkPrice         float64   `json:"mark_price"`
	UnrealizedPnl     float64   `json:"unrealized_pnl"`
	RealizedPnl       float64   `json:"realized_pnl"`
	Equity            float64   `json:"equity"`
	NeedsIntervention bool      `json:"needs_intervention"`
	LastUpdate        time.Time `json:"last_update"`
}
