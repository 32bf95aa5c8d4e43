package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Функции:
// - ValidateSymbol / NormalizeSymbol: формат символа (BTCUSDT)
// - ValidateInterval: интервал свечей ("1m", "4h")
// - ValidateLeverage: плечо в диапазоне [1, max]
// - ValidatePercentage: доля в (0, 1]
//
// Возвращает error с описанием проблемы или nil

var symbolRegex = regexp.MustCompile(`^[A-Za-z0-9]{2,20}$`)

// ValidationError ошибка валидации конкретного поля
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors набор ошибок валидации
type ValidationErrors []*ValidationError

func (ve ValidationErrors) Error() string {
	parts := make([]string, 0, len(ve))
	for _, e := range ve {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Add добавляет ошибку если err != nil
func (ve *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	*ve = append(*ve, &ValidationError{Field: field, Message: err.Error()})
}

// Err возвращает nil для пустого набора
func (ve ValidationErrors) Err() error {
	if len(ve) == 0 {
		return nil
	}
	return ve
}

// NormalizeSymbol приводит символ к виду BTCUSDT
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// ValidateSymbol проверяет формат символа
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	if !symbolRegex.MatchString(NormalizeSymbol(symbol)) {
		return fmt.Errorf("invalid symbol %q", symbol)
	}
	return nil
}

// ValidateInterval проверяет интервал свечей
func ValidateInterval(interval string) error {
	_, err := ParseInterval(interval)
	return err
}

// ValidateLeverage проверяет что плечо лежит в [1, max]
func ValidateLeverage(leverage, max int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", leverage)
	}
	if max > 0 && leverage > max {
		return fmt.Errorf("leverage %d exceeds max %d", leverage, max)
	}
	return nil
}

// ValidatePercentage проверяет долю в диапазоне (0, 1]
func ValidatePercentage(value float64) error {
	if !IsFinite(value) || value <= 0 || value > 1 {
		return fmt.Errorf("value must be in (0, 1], got %v", value)
	}
	return nil
}

// IsValidSymbol - булевый вариант ValidateSymbol
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}
