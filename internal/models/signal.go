package models

import "time"

// Direction - направление торгового сигнала
type Direction string

// Направления сигнала
const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Opposite возвращает противоположное направление (flat остаётся flat)
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// Side переводит направление сигнала в сторону позиции
func (d Direction) Side() Side {
	if d == DirectionShort {
		return SideShort
	}
	return SideLong
}

// Vote - голос одного индикатора
type Vote struct {
	Indicator string    `json:"indicator"`
	Direction Direction `json:"direction"` // flat = нейтральный голос
}

// Signal - итоговый сигнал одного закрытия бара.
// Создаётся один раз и больше не изменяется.
type Signal struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"` // [0,1]
	Timestamp time.Time `json:"timestamp"`
	Votes     []Vote    `json:"votes,omitempty"`
}

// Actionable возвращает true если сигнал имеет направление
func (s Signal) Actionable() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}
