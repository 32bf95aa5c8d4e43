package risk

import (
	"fmt"
	"time"
)

// Config параметры модели риска
type Config struct {
	ATRPeriod int `yaml:"atr_period"`

	// Размер позиции: доля эквити как маржа
	TargetVolatility float64 `yaml:"target_volatility"` // ATR/price при котором доля = MaxSizeFraction
	MinSizeFraction  float64 `yaml:"min_size_fraction"`
	MaxSizeFraction  float64 `yaml:"max_size_fraction"`
	MinVolatility    float64 `yaml:"min_volatility"` // пол оценки волатильности

	// Плечо
	MaxLeverage              int     `yaml:"max_leverage"`
	LeverageVolatilityBudget float64 `yaml:"leverage_volatility_budget"` // leverage ≈ budget / volatility
	MaxNotionalToEquity      float64 `yaml:"max_notional_to_equity"`
	MaintenanceMarginRate    float64 `yaml:"maintenance_margin_rate"`
	LiquidationSafety        float64 `yaml:"liquidation_safety"` // запас между стопом и ликвидацией

	// Уровни выхода
	StopLossATRMultiplier float64   `yaml:"stop_loss_atr_multiplier"`
	MinStopLossPct        float64   `yaml:"min_stop_loss_pct"`
	MaxStopLossPct        float64   `yaml:"max_stop_loss_pct"`
	TakeProfitRewardRatio float64   `yaml:"take_profit_reward_ratio"`
	TakeProfitLadder      []float64 `yaml:"take_profit_ladder"` // множители стопа (R), ниже reward ratio

	// Доля начального объёма, закрываемая на каждой ступени лестницы.
	// Остаток закрывается по take_profit_reward_ratio.
	TakeProfitPercentages []float64 `yaml:"take_profit_percentages"`

	// Трейлинг стоп: дистанция в ATR, включается когда прибыль достигает
	// trailing_activation_r стопов. Множитель 0 выключает трейлинг.
	TrailingStopATRMultiplier float64 `yaml:"trailing_stop_atr_multiplier"`
	TrailingActivationR       float64 `yaml:"trailing_activation_r"`
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		ATRPeriod:                 14,
		TargetVolatility:          0.005,
		MinSizeFraction:           0.02,
		MaxSizeFraction:           0.25,
		MinVolatility:             0.0005,
		MaxLeverage:               20,
		LeverageVolatilityBudget:  0.05,
		MaxNotionalToEquity:       3,
		MaintenanceMarginRate:     0.004,
		LiquidationSafety:         0.2,
		StopLossATRMultiplier:     1.5,
		MinStopLossPct:            0.002,
		MaxStopLossPct:            0.1,
		TakeProfitRewardRatio:     2,
		TakeProfitLadder:          []float64{1, 1.5},
		TakeProfitPercentages:     []float64{0.3, 0.3},
		TrailingStopATRMultiplier: 1.5,
		TrailingActivationR:       1,
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	switch {
	case c.ATRPeriod < 2:
		return fmt.Errorf("atr period must be >= 2")
	case c.TargetVolatility <= 0:
		return fmt.Errorf("target volatility must be > 0")
	case c.MinSizeFraction <= 0 || c.MinSizeFraction > c.MaxSizeFraction:
		return fmt.Errorf("min size fraction must be in (0, max_size_fraction]")
	case c.MaxSizeFraction > 1:
		return fmt.Errorf("max size fraction must be <= 1")
	case c.MaxLeverage < 1:
		return fmt.Errorf("max leverage must be >= 1")
	case c.LeverageVolatilityBudget <= 0:
		return fmt.Errorf("leverage volatility budget must be > 0")
	case c.MaxNotionalToEquity <= 0:
		return fmt.Errorf("max notional to equity must be > 0")
	case c.MaintenanceMarginRate < 0 || c.MaintenanceMarginRate >= 1:
		return fmt.Errorf("maintenance margin rate must be in [0, 1)")
	case c.LiquidationSafety < 0 || c.LiquidationSafety >= 1:
		return fmt.Errorf("liquidation safety must be in [0, 1)")
	case c.StopLossATRMultiplier <= 0:
		return fmt.Errorf("stop loss atr multiplier must be > 0")
	case c.MinStopLossPct <= 0 || c.MinStopLossPct > c.MaxStopLossPct:
		return fmt.Errorf("stop loss bounds invalid")
	case c.TakeProfitRewardRatio <= 0:
		return fmt.Errorf("take profit reward ratio must be > 0")
	case c.TrailingStopATRMultiplier < 0 || c.TrailingActivationR < 0:
		return fmt.Errorf("trailing stop parameters must be >= 0")
	}
	return c.validateLadder()
}

func (c Config) validateLadder() error {
	if len(c.TakeProfitPercentages) != len(c.TakeProfitLadder) {
		return fmt.Errorf("take_profit_percentages has %d entries, ladder has %d",
			len(c.TakeProfitPercentages), len(c.TakeProfitLadder))
	}
	sum, prev := 0.0, 0.0
	for i, r := range c.TakeProfitLadder {
		if r <= prev || r >= c.TakeProfitRewardRatio {
			return fmt.Errorf("take profit ladder must increase within (0, %v), got %v", c.TakeProfitRewardRatio, c.TakeProfitLadder)
		}
		pct := c.TakeProfitPercentages[i]
		if pct <= 0 || pct >= 1 {
			return fmt.Errorf("take profit percentage %v must be in (0, 1)", pct)
		}
		sum += pct
		prev = r
	}
	if sum >= 1 {
		return fmt.Errorf("take profit percentages sum %v must be < 1", sum)
	}
	return nil
}

// GuardConfig параметры торговых фильтров
type GuardConfig struct {
	MinSignalStrength     float64       `yaml:"min_signal_strength"`
	DailyLossLimitPct     float64       `yaml:"daily_loss_limit_pct"` // 0 = выключено
	Cooldown              time.Duration `yaml:"cooldown"`
	MaxVolatility         float64       `yaml:"max_volatility"` // ATR/price, 0 = выключено
	VolumeSpikeMultiplier float64       `yaml:"volume_spike_multiplier"`
	VolumeSpikeLookback   int           `yaml:"volume_spike_lookback"`
}

// DefaultGuardConfig возвращает параметры фильтров по умолчанию
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MinSignalStrength:     0.5,
		DailyLossLimitPct:     0.05,
		Cooldown:              0,
		MaxVolatility:         0.05,
		VolumeSpikeMultiplier: 3,
		VolumeSpikeLookback:   20,
	}
}
