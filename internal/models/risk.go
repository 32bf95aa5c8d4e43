package models

// RiskParameters - параметры сделки, рассчитанные на текущем цикле
// по оценке волатильности и эквити счёта.
//
// Инвариант: Leverage × PositionSizeFraction ≤ max notional/equity.
// PositionSizeFraction = 0 означает запрет на торговлю (Reason объясняет почему).
type RiskParameters struct {
	PositionSizeFraction float64   `json:"position_size_fraction"`
	Leverage             int       `json:"leverage"`
	StopLossPct          float64   `json:"stop_loss_pct"`
	TakeProfitPct        float64   `json:"take_profit_pct"`
	// Ступени частичного тейк-профита: расстояние от входа и доля объёма
	TakeProfitLevels    []float64 `json:"take_profit_levels,omitempty"`
	TakeProfitFractions []float64 `json:"take_profit_fractions,omitempty"`

	// Трейлинг стоп включается после движения цены на TrailingActivation от входа
	TrailingStopPct    float64 `json:"trailing_stop_pct,omitempty"`
	TrailingActivation float64 `json:"trailing_activation,omitempty"`

	Volatility           float64   `json:"volatility"` // ATR / price
	ATR                  float64   `json:"atr"`
	Reason               string    `json:"reason,omitempty"`
}

// Permitted возвращает true если параметры разрешают открыть позицию
func (r RiskParameters) Permitted() bool {
	return r.PositionSizeFraction > 0 && r.Leverage >= 1
}
