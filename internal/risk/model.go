package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Причины запрета торговли
const (
	ReasonNonPositiveEquity   = "non-positive equity"
	ReasonInsufficientHistory = "insufficient history for volatility"
	ReasonInvalidVolatility   = "volatility is not finite"
)

// Model - модель волатильности и риска.
//
// Волатильность = ATR / close. Доля позиции и плечо обратно
// пропорциональны волатильности. При любой невозможности посчитать
// параметры модель закрывается: PositionSizeFraction = 0.
type Model struct {
	cfg Config
}

// NewModel создаёт модель риска
func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	return &Model{cfg: cfg}, nil
}

// Config возвращает параметры модели
func (m *Model) Config() Config {
	return m.cfg
}

// Volatility считает ATR (go-talib) и ATR/close по последним барам
func (m *Model) Volatility(bars []models.Bar) (atr, vol float64, err error) {
	if len(bars) <= m.cfg.ATRPeriod {
		return 0, 0, models.ErrInsufficientHistory
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}

	out := talib.Atr(highs, lows, closes, m.cfg.ATRPeriod)
	atr = out[len(out)-1]
	price := closes[len(closes)-1]
	vol = utils.SafeDiv(atr, price)
	if !utils.IsFinite(atr) || !utils.IsFinite(vol) || price <= 0 {
		return 0, 0, fmt.Errorf("atr %v / price %v: %s", atr, price, ReasonInvalidVolatility)
	}
	return atr, vol, nil
}

// ComputeRisk рассчитывает параметры сделки по окну баров и эквити
func (m *Model) ComputeRisk(bars []models.Bar, equity float64) models.RiskParameters {
	if equity <= 0 || !utils.IsFinite(equity) {
		return models.RiskParameters{Reason: ReasonNonPositiveEquity}
	}

	atr, vol, err := m.Volatility(bars)
	if err != nil {
		reason := ReasonInvalidVolatility
		if errors.Is(err, models.ErrInsufficientHistory) {
			reason = ReasonInsufficientHistory
		}
		return models.RiskParameters{Reason: reason}
	}

	return m.FromVolatility(atr, vol)
}

// FromVolatility рассчитывает параметры по уже известной волатильности
func (m *Model) FromVolatility(atr, vol float64) models.RiskParameters {
	c := m.cfg
	if !utils.IsFinite(vol) || vol < 0 {
		return models.RiskParameters{Reason: ReasonInvalidVolatility}
	}

	effVol := math.Max(vol, c.MinVolatility)

	size := utils.Clamp(c.TargetVolatility/effVol*c.MaxSizeFraction, c.MinSizeFraction, c.MaxSizeFraction)
	if size > c.MaxNotionalToEquity {
		size = c.MaxNotionalToEquity
	}

	stopPct := utils.Clamp(c.StopLossATRMultiplier*effVol, c.MinStopLossPct, c.MaxStopLossPct)
	tpPct := c.TakeProfitRewardRatio * stopPct

	leverage := utils.ClampInt(int(math.Floor(c.LeverageVolatilityBudget/effVol)), 1, c.MaxLeverage)
	if notionalCap := int(math.Floor(c.MaxNotionalToEquity / size)); leverage > notionalCap {
		leverage = notionalCap
	}
	for leverage > 1 && !StopWithinLiquidation(stopPct, leverage, c.MaintenanceMarginRate, c.LiquidationSafety) {
		leverage--
	}

	params := models.RiskParameters{
		PositionSizeFraction: size,
		Leverage:             leverage,
		StopLossPct:          stopPct,
		TakeProfitPct:        tpPct,
		Volatility:           vol,
		ATR:                  atr,
	}
	for i, r := range c.TakeProfitLadder {
		params.TakeProfitLevels = append(params.TakeProfitLevels, stopPct*r)
		params.TakeProfitFractions = append(params.TakeProfitFractions, c.TakeProfitPercentages[i])
	}
	if c.TrailingStopATRMultiplier > 0 {
		params.TrailingStopPct = utils.Clamp(c.TrailingStopATRMultiplier*effVol, c.MinStopLossPct, c.MaxStopLossPct)
		params.TrailingActivation = c.TrailingActivationR * stopPct
	}

	if err := m.CheckInvariants(params); err != nil {
		return models.RiskParameters{
			Leverage:      params.Leverage,
			StopLossPct:   stopPct,
			TakeProfitPct: tpPct,
			Volatility:    vol,
			ATR:           atr,
			Reason:        err.Error(),
		}
	}
	return params
}

// CheckInvariants проверяет жёсткие инварианты параметров.
// Возвращает *models.RiskViolationError.
func (m *Model) CheckInvariants(p models.RiskParameters) error {
	c := m.cfg
	if p.PositionSizeFraction <= 0 {
		return nil
	}
	if p.Leverage < 1 || p.Leverage > c.MaxLeverage {
		return &models.RiskViolationError{
			Rule:   "leverage-cap",
			Detail: fmt.Sprintf("leverage %d outside [1, %d]", p.Leverage, c.MaxLeverage),
		}
	}
	if float64(p.Leverage)*p.PositionSizeFraction > c.MaxNotionalToEquity+1e-12 {
		return &models.RiskViolationError{
			Rule: "max-notional",
			Detail: fmt.Sprintf("leverage %d x size %.4f exceeds %.2f",
				p.Leverage, p.PositionSizeFraction, c.MaxNotionalToEquity),
		}
	}
	if !StopWithinLiquidation(p.StopLossPct, p.Leverage, c.MaintenanceMarginRate, c.LiquidationSafety) {
		return &models.RiskViolationError{
			Rule: "stop-beyond-liquidation",
			Detail: fmt.Sprintf("stop %.4f x leverage %d >= liquidation distance %.4f",
				p.StopLossPct, p.Leverage, LiquidationDistancePct(p.Leverage, c.MaintenanceMarginRate)),
		}
	}
	return nil
}
