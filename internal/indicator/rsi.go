package indicator

// RSI - Relative Strength Index со сглаживанием Уайлдера (α = 1/period).
//
// Первые средние - простые средние за period изменений цены.
// Если за период не было ни роста ни падения, RSI = 50.
type RSI struct {
	period    int
	prevClose float64
	hasPrev   bool
	seen      int
	avgGain   float64
	avgLoss   float64
	value     float64
	ready     bool
}

// NewRSI создаёт RSI (обычно period=14)
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update обновляет RSI ценой закрытия
func (r *RSI) Update(close float64) (float64, bool) {
	if !r.hasPrev {
		r.prevClose = close
		r.hasPrev = true
		return 0, false
	}

	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !r.ready {
		r.seen++
		r.avgGain += gain
		r.avgLoss += loss
		if r.seen < r.period {
			return 0, false
		}
		r.avgGain /= float64(r.period)
		r.avgLoss /= float64(r.period)
		r.ready = true
	} else {
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	r.value = rsiValue(r.avgGain, r.avgLoss)
	return r.value, true
}

func rsiValue(avgGain, avgLoss float64) float64 {
	total := avgGain + avgLoss
	if total == 0 {
		return 50
	}
	return 100 * avgGain / total
}

// Value возвращает текущее значение
func (r *RSI) Value() float64 { return r.value }

// Ready возвращает true после прогрева
func (r *RSI) Ready() bool { return r.ready }

// Reset сбрасывает состояние
func (r *RSI) Reset() {
	*r = RSI{period: r.period}
}
