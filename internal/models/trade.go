package models

import "time"

// Причины закрытия позиции
const (
	ExitReasonSignalReversal      = "signal-reversal"
	ExitReasonStopLoss            = "stop-loss"
	ExitReasonTakeProfit          = "take-profit"
	ExitReasonTakeProfitPartial   = "take-profit-partial"
	ExitReasonLiquidationCritical = "liquidation-critical"
	ExitReasonShutdown            = "shutdown"
	ExitReasonManual              = "manual"
)

// TradeRecord - итог закрытой сделки.
// После отправки принадлежит хранилищу статистики.
type TradeRecord struct {
	ID            string    `json:"id" db:"id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	Side          Side      `json:"side" db:"side"`
	EntryPrice    float64   `json:"entry_price" db:"entry_price"`
	ExitPrice     float64   `json:"exit_price" db:"exit_price"`
	Quantity      float64   `json:"quantity" db:"quantity"`
	Leverage      int       `json:"leverage" db:"leverage"`
	Pnl           float64   `json:"pnl" db:"pnl"`
	PnlPct        float64   `json:"pnl_pct" db:"pnl_pct"` // от маржи позиции
	DurationTicks int64     `json:"duration_ticks" db:"duration_ticks"`
	Reason        string    `json:"reason" db:"reason"`
	OpenedAt      time.Time `json:"opened_at" db:"opened_at"`
	ClosedAt      time.Time `json:"closed_at" db:"closed_at"`
}

// IsWin возвращает true для прибыльной сделки
func (t TradeRecord) IsWin() bool {
	return t.Pnl > 0
}
