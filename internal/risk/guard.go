package risk

import (
	"fmt"
	"sync"
	"time"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Правила фильтров
const (
	RuleMinStrength   = "min-strength"
	RuleDailyLoss     = "daily-loss-limit"
	RuleCooldown      = "cooldown"
	RuleVolatilityCap = "volatility-cap"
	RuleVolumeSpike   = "volume-spike"
)

// GuardInput данные для проверки перед входом
type GuardInput struct {
	Signal     models.Signal
	Volatility float64
	Bars       []models.Bar
	Now        time.Time // время бара, а не wall clock
}

// Guard - фильтры перед открытием позиции.
//
// Дневной лимит убытка считается от эквити на начало дня и
// сбрасывается планировщиком (ResetDay). Методы потокобезопасны.
type Guard struct {
	cfg GuardConfig

	mu             sync.Mutex
	dayStartEquity float64
	dailyPnl       float64
	lastExit       time.Time
}

// NewGuard создаёт набор фильтров
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

// ResetDay начинает новый торговый день
func (g *Guard) ResetDay(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayStartEquity = equity
	g.dailyPnl = 0
}

// RecordTrade учитывает закрытую сделку
func (g *Guard) RecordTrade(pnl float64, closedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyPnl += pnl
	if closedAt.After(g.lastExit) {
		g.lastExit = closedAt
	}
}

// DailyPnl возвращает PNL текущего дня
func (g *Guard) DailyPnl() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnl
}

// Allow возвращает *models.RiskViolationError если вход запрещён
func (g *Guard) Allow(in GuardInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in.Signal.Strength < g.cfg.MinSignalStrength {
		return &models.RiskViolationError{
			Rule:   RuleMinStrength,
			Detail: fmt.Sprintf("strength %.2f < %.2f", in.Signal.Strength, g.cfg.MinSignalStrength),
		}
	}

	if g.cfg.DailyLossLimitPct > 0 && g.dayStartEquity > 0 {
		limit := g.dayStartEquity * g.cfg.DailyLossLimitPct
		if -g.dailyPnl >= limit {
			return &models.RiskViolationError{
				Rule:   RuleDailyLoss,
				Detail: fmt.Sprintf("daily loss %.2f reached limit %.2f", -g.dailyPnl, limit),
			}
		}
	}

	if g.cfg.Cooldown > 0 && !g.lastExit.IsZero() && in.Now.Sub(g.lastExit) < g.cfg.Cooldown {
		return &models.RiskViolationError{
			Rule:   RuleCooldown,
			Detail: fmt.Sprintf("last exit %s ago, cooldown %s", in.Now.Sub(g.lastExit), g.cfg.Cooldown),
		}
	}

	if g.cfg.MaxVolatility > 0 && in.Volatility > g.cfg.MaxVolatility {
		return &models.RiskViolationError{
			Rule:   RuleVolatilityCap,
			Detail: fmt.Sprintf("volatility %.4f > %.4f", in.Volatility, g.cfg.MaxVolatility),
		}
	}

	if spike, ratio := volumeSpike(in.Bars, g.cfg.VolumeSpikeLookback, g.cfg.VolumeSpikeMultiplier); spike {
		return &models.RiskViolationError{
			Rule:   RuleVolumeSpike,
			Detail: fmt.Sprintf("last volume %.1fx average", ratio),
		}
	}

	return nil
}

// volumeSpike сравнивает объём последнего бара со средним за lookback предыдущих
func volumeSpike(bars []models.Bar, lookback int, multiplier float64) (bool, float64) {
	if multiplier <= 0 || lookback < 1 || len(bars) < lookback+1 {
		return false, 0
	}
	prev := bars[len(bars)-1-lookback : len(bars)-1]
	vols := make([]float64, len(prev))
	for i, b := range prev {
		vols[i] = b.Volume
	}
	avg := utils.Mean(vols)
	if avg <= 0 {
		return false, 0
	}
	ratio := bars[len(bars)-1].Volume / avg
	return ratio > multiplier, ratio
}
