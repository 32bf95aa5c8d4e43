package bot

import (
	"errors"
	"fmt"

	"futuresbot/internal/models"
)

// ErrInvalidTransition - переход между состояниями запрещён
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[string][]string{
	models.StateFlat:     {models.StateEntering},
	models.StateEntering: {models.StateOpen, models.StateFlat}, // Flat при неудачном входе
	models.StateOpen:     {models.StateExiting},
	models.StateExiting:  {models.StateFlat, models.StateOpen}, // Open если закрыть не удалось
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition возвращает ошибку для недопустимого перехода
func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.StateFlat:
		return "Позиции нет (ожидание сигнала)"
	case models.StateEntering:
		return "Открытие позиции..."
	case models.StateOpen:
		return "Позиция открыта"
	case models.StateExiting:
		return "Закрытие позиции..."
	default:
		return "Неизвестное состояние"
	}
}

// HasOpenPosition возвращает true если есть открытая позиция
func HasOpenPosition(s string) bool {
	return s == models.StateOpen || s == models.StateExiting
}

var allStatesList = []string{models.StateFlat, models.StateEntering, models.StateOpen, models.StateExiting}
