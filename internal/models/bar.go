package models

import (
	"math"
	"time"
)

// Bar представляет закрытую свечу инструмента.
// После закрытия бар не изменяется.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// TypicalPrice возвращает (high + low + close) / 3 (используется VWAP)
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// HL2 возвращает середину диапазона свечи (база полос SuperTrend)
func (b Bar) HL2() float64 {
	return (b.High + b.Low) / 2
}

// Valid проверяет что цены и объём конечны и неотрицательны
func (b Bar) Valid() bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return b.High >= b.Low && b.Close > 0
}

// MarkPrice - обновление маркировочной цены (поток выше частотой чем бары)
type MarkPrice struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
