package models

import (
	"errors"
	"fmt"
)

// ============================================================
// Таксономия ошибок торгового ядра
// ============================================================

// ErrInsufficientHistory - прогрев индикаторов не завершён.
// Не является отказом: снимок помечается как неторгуемый.
var ErrInsufficientHistory = errors.New("insufficient history")

// DataError - бар или цена пришли не по порядку либо невалидны.
// Тик пропускается, состояние сохраняется.
type DataError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("data error [%s]: %s", e.Symbol, e.Reason)
	}
	return "data error: " + e.Reason
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// RiskViolationError - параметры нарушили бы жёсткий инвариант,
// сделка подавляется.
type RiskViolationError struct {
	Rule   string
	Detail string
}

func (e *RiskViolationError) Error() string {
	return fmt.Sprintf("risk violation (%s): %s", e.Rule, e.Detail)
}

// ExecutionError - вызов биржевого клиента завершился ошибкой или таймаутом
type ExecutionError struct {
	Op       string // place_order, close_position, reduce_position
	Symbol   string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *ExecutionError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("%s %s %s after %d attempt(s): %v", e.Op, e.Symbol, kind, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LiquidationCriticalError - позиция в критической зоне ликвидации
type LiquidationCriticalError struct {
	Symbol    string
	Distance  float64
	MarkPrice float64
	LiqPrice  float64
}

func (e *LiquidationCriticalError) Error() string {
	return fmt.Sprintf("liquidation critical [%s]: distance %.2f%% (mark %.4f, liq %.4f)",
		e.Symbol, e.Distance*100, e.MarkPrice, e.LiqPrice)
}
