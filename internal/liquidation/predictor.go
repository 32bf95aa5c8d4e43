package liquidation

import (
	"math"
	"time"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Predictor - оценка риска и времени до ликвидации по истории mark price.
// Используется только для информации в алертах и API.
type Predictor struct {
	size   int
	prices []float64
	times  []time.Time
}

// NewPredictor создаёт предиктор с историей size точек
func NewPredictor(size int) *Predictor {
	if size < 2 {
		size = 2
	}
	return &Predictor{size: size}
}

// Observe добавляет точку mark price
func (p *Predictor) Observe(mark models.MarkPrice) {
	if len(p.times) > 0 && !mark.Timestamp.After(p.times[len(p.times)-1]) {
		return
	}
	p.prices = append(p.prices, mark.Price)
	p.times = append(p.times, mark.Timestamp)
	if len(p.prices) > p.size {
		p.prices = p.prices[1:]
		p.times = p.times[1:]
	}
}

// Reset очищает историю
func (p *Predictor) Reset() {
	p.prices = p.prices[:0]
	p.times = p.times[:0]
}

// RiskScore возвращает долю пройденного пути от входа к ликвидации в [0,1]
func RiskScore(pos models.Position, mark float64) float64 {
	span := pos.EntryPrice - pos.LiquidationPrice
	if pos.Side == models.SideShort {
		span = pos.LiquidationPrice - pos.EntryPrice
	}
	if span <= 0 || pos.LiquidationPrice <= 0 {
		return 0
	}
	left := (mark - pos.LiquidationPrice) * pos.Side.Sign()
	return utils.Clamp(1-left/span, 0, 1)
}

// TimeToLiquidation оценивает время до ликвидации по средней скорости цены.
// ok = false если цена движется от ликвидации или истории мало.
func (p *Predictor) TimeToLiquidation(pos models.Position) (time.Duration, bool) {
	n := len(p.prices)
	if n < 2 || pos.LiquidationPrice <= 0 {
		return 0, false
	}

	elapsed := p.times[n-1].Sub(p.times[0]).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	velocity := (p.prices[n-1] - p.prices[0]) / elapsed // цена в секунду

	// скорость в сторону ликвидации
	toward := -velocity * pos.Side.Sign()
	if toward <= 0 {
		return 0, false
	}

	left := (p.prices[n-1] - pos.LiquidationPrice) * pos.Side.Sign()
	if left <= 0 {
		return 0, true
	}
	secs := left / toward
	if math.IsInf(secs, 0) || secs > float64(math.MaxInt64/int64(time.Second)) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
