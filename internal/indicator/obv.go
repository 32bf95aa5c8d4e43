package indicator

// OBV - On-Balance Volume, накопленный объём со знаком изменения цены.
// Не сбрасывается в течение запуска.
//
// Наклон считается как знак изменения OBV за lookback баров,
// для этого хранится только кольцо из lookback+1 значений.
type OBV struct {
	lookback  int
	prevClose float64
	hasPrev   bool
	value     float64
	history   []float64
	pos       int
	filled    int
}

// NewOBV создаёт OBV с окном наклона lookback (обычно 5)
func NewOBV(lookback int) *OBV {
	return &OBV{lookback: lookback, history: make([]float64, lookback+1)}
}

// Update обновляет OBV баром (close, volume)
func (o *OBV) Update(close, volume float64) float64 {
	if o.hasPrev {
		switch {
		case close > o.prevClose:
			o.value += volume
		case close < o.prevClose:
			o.value -= volume
		}
	}
	o.prevClose = close
	o.hasPrev = true

	o.history[o.pos] = o.value
	o.pos = (o.pos + 1) % len(o.history)
	if o.filled < len(o.history) {
		o.filled++
	}
	return o.value
}

// Slope возвращает -1, 0 или +1 по изменению OBV за lookback баров
func (o *OBV) Slope() int {
	if !o.Ready() {
		return 0
	}
	// o.pos указывает на самое старое значение в заполненном кольце
	oldest := o.history[o.pos]
	switch {
	case o.value > oldest:
		return 1
	case o.value < oldest:
		return -1
	default:
		return 0
	}
}

// Value возвращает текущее значение
func (o *OBV) Value() float64 { return o.value }

// Ready возвращает true когда накоплено lookback+1 значений
func (o *OBV) Ready() bool { return o.filled == len(o.history) }

// Reset сбрасывает состояние
func (o *OBV) Reset() {
	*o = OBV{lookback: o.lookback, history: make([]float64, o.lookback+1)}
}
