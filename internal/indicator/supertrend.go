package indicator

import "futuresbot/internal/models"

// SuperTrend - трендовый индикатор на полосах hl2 ± multiplier*ATR.
//
// Финальные полосы переносятся с прошлого бара пока цена их не пробила,
// направление меняется только когда close пересекает противоположную полосу.
type SuperTrend struct {
	atr        *ATR
	multiplier float64

	upper     float64
	lower     float64
	prevClose float64
	up        bool
	ready     bool
}

// NewSuperTrend создаёт SuperTrend (обычно period=10, multiplier=3)
func NewSuperTrend(period int, multiplier float64) *SuperTrend {
	return &SuperTrend{atr: NewATR(period), multiplier: multiplier}
}

// Update обновляет индикатор. Возвращает направление и уровень линии.
func (s *SuperTrend) Update(b models.Bar) (models.Direction, float64, bool) {
	atr, ok := s.atr.Update(b)
	if !ok {
		s.prevClose = b.Close
		return models.DirectionFlat, 0, false
	}

	hl2 := b.HL2()
	basicUpper := hl2 + s.multiplier*atr
	basicLower := hl2 - s.multiplier*atr

	if !s.ready {
		s.upper = basicUpper
		s.lower = basicLower
		s.up = b.Close >= hl2
		s.ready = true
		s.prevClose = b.Close
		return s.Direction(), s.Level(), true
	}

	if basicUpper < s.upper || s.prevClose > s.upper {
		s.upper = basicUpper
	}
	if basicLower > s.lower || s.prevClose < s.lower {
		s.lower = basicLower
	}

	switch {
	case s.up && b.Close < s.lower:
		s.up = false
	case !s.up && b.Close > s.upper:
		s.up = true
	}

	s.prevClose = b.Close
	return s.Direction(), s.Level(), true
}

// Direction возвращает long для восходящего тренда и short для нисходящего
func (s *SuperTrend) Direction() models.Direction {
	if !s.ready {
		return models.DirectionFlat
	}
	if s.up {
		return models.DirectionLong
	}
	return models.DirectionShort
}

// Level возвращает активную линию: нижнюю полосу в аптренде, верхнюю в даунтренде
func (s *SuperTrend) Level() float64 {
	if s.up {
		return s.lower
	}
	return s.upper
}

// Bands возвращает финальные полосы
func (s *SuperTrend) Bands() (upper, lower float64) {
	return s.upper, s.lower
}

// ATR возвращает текущий ATR
func (s *SuperTrend) ATR() float64 { return s.atr.Value() }

// Ready возвращает true после прогрева
func (s *SuperTrend) Ready() bool { return s.ready }

// Reset сбрасывает состояние
func (s *SuperTrend) Reset() {
	s.atr.Reset()
	*s = SuperTrend{atr: s.atr, multiplier: s.multiplier}
}
