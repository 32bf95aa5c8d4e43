package indicator

import (
	"math"

	"futuresbot/internal/models"
)

// ATR - Average True Range со сглаживанием Уайлдера.
//
// Первое значение - SMA первых period true range (TR первого бара
// не определён), далее atr = (atr*(n-1) + tr) / n.
type ATR struct {
	period    int
	prevClose float64
	hasPrev   bool
	seen      int
	sumTR     float64
	value     float64
	ready     bool
}

// NewATR создаёт ATR с указанным периодом
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Update обновляет ATR новым баром
func (a *ATR) Update(b models.Bar) (float64, bool) {
	if !a.hasPrev {
		a.prevClose = b.Close
		a.hasPrev = true
		return 0, false
	}

	tr := trueRange(b, a.prevClose)
	a.prevClose = b.Close

	if !a.ready {
		a.seen++
		a.sumTR += tr
		if a.seen == a.period {
			a.value = a.sumTR / float64(a.period)
			a.ready = true
		}
		return a.value, a.ready
	}

	n := float64(a.period)
	a.value = (a.value*(n-1) + tr) / n
	return a.value, true
}

// Value возвращает текущее значение
func (a *ATR) Value() float64 { return a.value }

// Ready возвращает true после прогрева
func (a *ATR) Ready() bool { return a.ready }

// Reset сбрасывает состояние
func (a *ATR) Reset() {
	*a = ATR{period: a.period}
}

func trueRange(b models.Bar, prevClose float64) float64 {
	hl := b.High - b.Low
	hc := math.Abs(b.High - prevClose)
	lc := math.Abs(b.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
