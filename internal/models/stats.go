package models

import "time"

// Stats - агрегированная статистика торговли
type Stats struct {
	TotalTrades      int            `json:"total_trades"`
	Wins             int            `json:"wins"`
	Losses           int            `json:"losses"`
	WinRate          float64        `json:"win_rate"`
	TotalPnl         float64        `json:"total_pnl"`
	GrossProfit      float64        `json:"gross_profit"`
	GrossLoss        float64        `json:"gross_loss"`
	ProfitFactor     float64        `json:"profit_factor"`
	MaxDrawdown      float64        `json:"max_drawdown"`
	BestTrade        float64        `json:"best_trade"`
	WorstTrade       float64        `json:"worst_trade"`
	AvgDurationTicks float64        `json:"avg_duration_ticks"`
	TodayTrades      int            `json:"today_trades"`
	TodayPnl         float64        `json:"today_pnl"`
	ByReason         map[string]int `json:"by_reason"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DailyStats - статистика за один торговый день
type DailyStats struct {
	Day    time.Time `json:"day" db:"day"`
	Trades int       `json:"trades" db:"trades"`
	Wins   int       `json:"wins" db:"wins"`
	Losses int       `json:"losses" db:"losses"`
	Pnl    float64   `json:"pnl" db:"pnl"`
}
