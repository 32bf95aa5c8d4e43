package utils

import (
	"math"
	"testing"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================
// Тесты RoundToLotSize
// ============================================================

func TestRoundToLotSize(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		// Базовые кейсы
		{"exact match", 0.123, 0.001, 0.123},
		{"round down", 0.123456, 0.001, 0.123},
		{"round down 2", 1.999, 0.01, 1.99},
		{"whole numbers", 100.5, 1.0, 100.0},
		{"float artifact", 0.3, 0.1, 0.3},

		// Граничные случаи
		{"zero value", 0, 0.001, 0},
		{"zero lotSize", 0.123, 0, 0.123},
		{"negative lotSize", 0.123, -0.001, 0.123},

		// Большие числа
		{"large number", 12345.6789, 0.01, 12345.67},
		{"very large", 1000000.999, 1.0, 1000000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSize(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSize(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

func TestSubLots(t *testing.T) {
	tests := []struct {
		a, b, lot, expected float64
	}{
		{1.5, 1.499, 0.001, 0.001},
		{0.3, 0.1, 0.1, 0.2},
		{1, 0.4567, 0.01, 0.54},
		{1, 1, 0.001, 0},
		{1, 2, 0.001, -1},
		{1, 0.25, 0, 0.75},
	}
	for _, tt := range tests {
		if got := SubLots(tt.a, tt.b, tt.lot); !floatEquals(got, tt.expected) {
			t.Errorf("SubLots(%v, %v, %v) = %v, want %v", tt.a, tt.b, tt.lot, got, tt.expected)
		}
	}
}

func TestRoundToLotSizeUp(t *testing.T) {
	tests := []struct {
		value    float64
		lotSize  float64
		expected float64
	}{
		{0.1231, 0.001, 0.124},
		{0.123, 0.001, 0.123},
		{1.001, 1, 2},
		{5, 0, 5},
	}

	for _, tt := range tests {
		if got := RoundToLotSizeUp(tt.value, tt.lotSize); !floatEquals(got, tt.expected) {
			t.Errorf("RoundToLotSizeUp(%v, %v) = %v, want %v", tt.value, tt.lotSize, got, tt.expected)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	if got := RoundToTick(100.26, 0.1); !floatEquals(got, 100.3) {
		t.Errorf("RoundToTick = %v, want 100.3", got)
	}
	if got := RoundToTick(100.24, 0.1); !floatEquals(got, 100.2) {
		t.Errorf("RoundToTick = %v, want 100.2", got)
	}
	if got := RoundToTick(42.5, 0); got != 42.5 {
		t.Errorf("RoundToTick с нулевым шагом = %v", got)
	}
}

func TestFormatQuantity(t *testing.T) {
	tests := []struct {
		qty      float64
		lot      float64
		expected string
	}{
		{0.123, 0.001, "0.123"},
		{0.1, 0.001, "0.100"},
		{15, 1, "15"},
		{0.00000123, 0.00000001, "0.00000123"},
	}

	for _, tt := range tests {
		if got := FormatQuantity(tt.qty, tt.lot); got != tt.expected {
			t.Errorf("FormatQuantity(%v, %v) = %q, want %q", tt.qty, tt.lot, got, tt.expected)
		}
	}
}

// ============================================================
// Тесты PNL
// ============================================================

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		current  float64
		qty      float64
		expected float64
	}{
		{"long profit", "long", 100, 110, 2, 20},
		{"long loss", "long", 100, 95, 2, -10},
		{"short profit", "short", 100, 90, 1, 10},
		{"short loss", "short", 100, 105, 1, -5},
		{"flat", "long", 100, 100, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculatePNL(tt.side, tt.entry, tt.current, tt.qty)
			if !floatEquals(got, tt.expected) {
				t.Errorf("CalculatePNL() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// ============================================================
// Вспомогательные функции
// ============================================================

func TestSafeDiv(t *testing.T) {
	if SafeDiv(1, 0) != 0 {
		t.Error("деление на ноль должно давать 0")
	}
	if !floatEquals(SafeDiv(1, 4), 0.25) {
		t.Error("SafeDiv(1, 4) != 0.25")
	}
}

func TestIsFinite(t *testing.T) {
	if !IsFinite(1.5) {
		t.Error("1.5 конечно")
	}
	if IsFinite(math.NaN()) || IsFinite(math.Inf(-1)) {
		t.Error("NaN и Inf не конечны")
	}
}

func TestSign(t *testing.T) {
	tests := []struct {
		v        float64
		eps      float64
		expected int
	}{
		{1, 0, 1},
		{-1, 0, -1},
		{0, 0, 0},
		{0.001, 0.01, 0},
		{-0.001, 0.01, 0},
	}
	for _, tt := range tests {
		if got := Sign(tt.v, tt.eps); got != tt.expected {
			t.Errorf("Sign(%v, %v) = %d, want %d", tt.v, tt.eps, got, tt.expected)
		}
	}
}

func TestMean(t *testing.T) {
	if Mean(nil) != 0 {
		t.Error("Mean(nil) != 0")
	}
	if !floatEquals(Mean([]float64{1, 2, 3, 4}), 2.5) {
		t.Error("Mean(1..4) != 2.5")
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
		{0, 0, 10, 0},
	}
	for _, tt := range tests {
		if got := Clamp(tt.value, tt.min, tt.max); got != tt.expected {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.value, tt.min, tt.max, got, tt.expected)
		}
	}

	if ClampInt(30, 1, 20) != 20 || ClampInt(0, 1, 20) != 1 || ClampInt(7, 1, 20) != 7 {
		t.Error("ClampInt неверно ограничивает значение")
	}
}
