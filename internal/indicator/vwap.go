package indicator

import (
	"time"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// VWAP - средневзвешенная по объёму цена текущей сессии.
//
// Накопленные суммы сбрасываются на границе сессии, граница берётся
// из времени открытия бара, поэтому live и replay дают одно и то же.
type VWAP struct {
	session      utils.Session
	sessionStart time.Time
	sumPV        float64
	sumV         float64
	value        float64
	ready        bool
}

// NewVWAP создаёт VWAP с указанной границей сессии
func NewVWAP(session utils.Session) *VWAP {
	return &VWAP{session: session}
}

// Update добавляет бар в сессию
func (v *VWAP) Update(b models.Bar) float64 {
	start := utils.SessionStart(b.OpenTime, v.session)
	if !v.ready || !start.Equal(v.sessionStart) {
		v.sessionStart = start
		v.sumPV = 0
		v.sumV = 0
	}

	tp := b.TypicalPrice()
	v.sumPV += tp * b.Volume
	v.sumV += b.Volume

	if v.sumV > 0 {
		v.value = v.sumPV / v.sumV
	} else {
		v.value = tp
	}
	v.ready = true
	return v.value
}

// Value возвращает текущее значение
func (v *VWAP) Value() float64 { return v.value }

// SessionStart возвращает начало активной сессии
func (v *VWAP) SessionStart() time.Time { return v.sessionStart }

// Reset сбрасывает состояние
func (v *VWAP) Reset() {
	*v = VWAP{session: v.session}
}
