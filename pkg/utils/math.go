package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты торгового ядра
//
// Округление объёмов и цен делается через decimal, чтобы шаг биржи
// (0.001, 0.1 ...) не давал ошибок представления float64
// вида 0.30000000000000004.

// RoundToLotSize округляет значение ВНИЗ до кратного lotSize.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//   - RoundToLotSize(100.5, 1.0) = 100
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	step := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(step).Floor().Mul(step).Float64()
	return f
}

// RoundToLotSizeUp округляет значение ВВЕРХ до кратного lotSize
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	step := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(step).Ceil().Mul(step).Float64()
	return f
}

// SubLots вычитает b из a в десятичной арифметике и округляет вниз до lotSize
func SubLots(a, b, lotSize float64) float64 {
	d := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b))
	if lotSize > 0 {
		step := decimal.NewFromFloat(lotSize)
		d = d.Div(step).Floor().Mul(step)
	}
	f, _ := d.Float64()
	return f
}

// RoundToTick округляет цену к ближайшему шагу цены
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	v := decimal.NewFromFloat(price)
	step := decimal.NewFromFloat(tick)
	f, _ := v.Div(step).Round(0).Mul(step).Float64()
	return f
}

// FormatQuantity форматирует объём без экспоненты с точностью шага.
// Биржи принимают количество строкой.
func FormatQuantity(qty, lotSize float64) string {
	d := decimal.NewFromFloat(qty)
	if lotSize <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(lotSize).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}

// CalculatePNL расчитывает PNL позиции.
// side: "long" или "short"
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	diff := decimal.NewFromFloat(currentPrice).Sub(decimal.NewFromFloat(entryPrice))
	pnl := diff.Mul(decimal.NewFromFloat(quantity))
	if side == "short" {
		pnl = pnl.Neg()
	}
	f, _ := pnl.Float64()
	return f
}

// SafeDiv делит a на b, возвращая 0 при b == 0
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// IsFinite проверяет что значение не NaN и не Inf
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Sign возвращает -1, 0 или 1 с учётом порога epsilon
func Sign(v, epsilon float64) int {
	switch {
	case v > epsilon:
		return 1
	case v < -epsilon:
		return -1
	default:
		return 0
	}
}

// Mean возвращает среднее значение (0 для пустого среза)
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func Abs(x float64) float64 {
	return math.Abs(x)
}

func Min(a, b float64) float64 {
	return math.Min(a, b)
}

func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ClampInt ограничивает целое значение диапазоном [min, max]
func ClampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
