package risk

import (
	"github.com/shopspring/decimal"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// LiquidationDistancePct - расстояние до ликвидации от цены входа
// для изолированной маржи: 1/leverage - mmr
func LiquidationDistancePct(leverage int, mmr float64) float64 {
	if leverage < 1 {
		return 0
	}
	return 1/float64(leverage) - mmr
}

// LiquidationPrice оценивает цену ликвидации изолированной позиции
func LiquidationPrice(side models.Side, entry float64, leverage int, mmr float64) float64 {
	d := LiquidationDistancePct(leverage, mmr)
	if side == models.SideShort {
		return entry * (1 + d)
	}
	p := entry * (1 - d)
	if p < 0 {
		return 0
	}
	return p
}

// StopPrice возвращает цену стоп-лосса
func StopPrice(side models.Side, entry, pct float64) float64 {
	if side == models.SideShort {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}

// TakeProfitPrice возвращает цену тейк-профита
func TakeProfitPrice(side models.Side, entry, pct float64) float64 {
	if side == models.SideShort {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}

// ApplyExitLevels задаёт уровни выхода позиции от цены входа:
// стоп, финальный тейк-профит, лестницу частичных тейк-профитов и трейлинг
func ApplyExitLevels(pos *models.Position, p models.RiskParameters) {
	if pos == nil || p.StopLossPct <= 0 {
		return
	}
	pos.StopLossPrice = StopPrice(pos.Side, pos.EntryPrice, p.StopLossPct)
	pos.TakeProfitPrice = TakeProfitPrice(pos.Side, pos.EntryPrice, p.TakeProfitPct)

	pos.TakeProfits = nil
	for i, pct := range p.TakeProfitLevels {
		if i >= len(p.TakeProfitFractions) {
			break
		}
		pos.TakeProfits = append(pos.TakeProfits, models.TakeProfitLevel{
			Price:    TakeProfitPrice(pos.Side, pos.EntryPrice, pct),
			Fraction: p.TakeProfitFractions[i],
		})
	}

	pos.TrailingStopPct = p.TrailingStopPct
	pos.TrailingFrom = 0
	if p.TrailingStopPct > 0 {
		pos.TrailingFrom = TakeProfitPrice(pos.Side, pos.EntryPrice, p.TrailingActivation)
	}
}

// StopWithinLiquidation проверяет что убыток до стопа с учётом плеча
// меньше расстояния до ликвидации (с запасом safety)
func StopWithinLiquidation(stopLossPct float64, leverage int, mmr, safety float64) bool {
	return stopLossPct*float64(leverage) < LiquidationDistancePct(leverage, mmr)*(1-safety)
}

// Quantity переводит параметры риска в количество контрактов:
// equity * size * leverage / price, округлённое вниз до шага лота
func Quantity(equity float64, p models.RiskParameters, price, lotStep float64) float64 {
	if equity <= 0 || price <= 0 || !p.Permitted() {
		return 0
	}
	notional := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(p.PositionSizeFraction)).
		Mul(decimal.NewFromInt(int64(p.Leverage)))
	qty, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	return utils.RoundToLotSize(qty, lotStep)
}
