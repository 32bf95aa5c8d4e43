package liquidation

import (
	"fmt"
	"math"

	"futuresbot/internal/models"
)

// Config пороги уровней тревоги (доли от mark price)
type Config struct {
	WatchPct         float64 `yaml:"watch_pct"`
	WarningPct       float64 `yaml:"warning_pct"`
	CriticalPct      float64 `yaml:"critical_pct"`
	HysteresisMargin float64 `yaml:"hysteresis_margin"`

	// NotifyLevel - минимальный уровень эскалации с уведомлением.
	// Critical уведомляет всегда.
	NotifyLevel string `yaml:"notify_level"`
}

// DefaultConfig: watch < 15%, warning < 8%, critical < 3%, гистерезис 2 п.п.
func DefaultConfig() Config {
	return Config{
		WatchPct:         0.15,
		WarningPct:       0.08,
		CriticalPct:      0.03,
		HysteresisMargin: 0.02,
		NotifyLevel:      "warning",
	}
}

// Validate проверяет порядок порогов
func (c Config) Validate() error {
	if !(c.CriticalPct > 0 && c.CriticalPct < c.WarningPct && c.WarningPct < c.WatchPct && c.WatchPct < 1) {
		return fmt.Errorf("liquidation thresholds must satisfy 0 < critical < warning < watch < 1")
	}
	if c.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis margin must be >= 0")
	}
	if c.NotifyLevel != "" {
		l, err := ParseLevel(c.NotifyLevel)
		if err != nil {
			return fmt.Errorf("notify_level: %w", err)
		}
		if l == LevelSafe {
			return fmt.Errorf("notify_level must be watch, warning or critical")
		}
	}
	return nil
}

// NotifyAt возвращает порог уведомлений, пустое значение - warning
func (c Config) NotifyAt() Level {
	l, err := ParseLevel(c.NotifyLevel)
	if err != nil || l == LevelSafe {
		return LevelWarning
	}
	return l
}

// threshold возвращает порог входа в уровень
func (c Config) threshold(l Level) float64 {
	switch l {
	case LevelWatch:
		return c.WatchPct
	case LevelWarning:
		return c.WarningPct
	case LevelCritical:
		return c.CriticalPct
	default:
		return math.Inf(1)
	}
}

// Evaluation результат одной проверки
type Evaluation struct {
	Level          Level
	Previous       Level
	Distance       float64
	MarkPrice      float64
	LiqPrice       float64
	RequiresAction bool
	Changed        bool
}

// Escalated возвращает true если уровень вырос на этой проверке
func (e Evaluation) Escalated() bool {
	return e.Level > e.Previous
}

// Monitor следит за расстоянием до ликвидации одной позиции.
//
// Эскалация мгновенная. Снижение уровня L требует расстояния не меньше
// порога L плюс HysteresisMargin и идёт не больше чем на один уровень
// за проверку. Не потокобезопасен: вызывается из event loop инструмента.
type Monitor struct {
	cfg   Config
	level Level
}

// NewMonitor создаёт монитор
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Distance возвращает |mark - liq| / mark, 0 если цена уже за ликвидацией
func Distance(pos models.Position, mark float64) float64 {
	if mark <= 0 || pos.LiquidationPrice <= 0 {
		return 1
	}
	if pos.Side == models.SideLong && mark <= pos.LiquidationPrice {
		return 0
	}
	if pos.Side == models.SideShort && mark >= pos.LiquidationPrice {
		return 0
	}
	return math.Abs(mark-pos.LiquidationPrice) / mark
}

// rawLevel - уровень по расстоянию без гистерезиса
func (m *Monitor) rawLevel(distance float64) Level {
	switch {
	case distance < m.cfg.CriticalPct:
		return LevelCritical
	case distance < m.cfg.WarningPct:
		return LevelWarning
	case distance < m.cfg.WatchPct:
		return LevelWatch
	default:
		return LevelSafe
	}
}

// Evaluate оценивает позицию по текущей mark price.
// Невалидная цена возвращает *models.DataError, уровень не меняется.
func (m *Monitor) Evaluate(pos models.Position, mark float64) (Evaluation, error) {
	prev := m.level
	if mark <= 0 || math.IsNaN(mark) || math.IsInf(mark, 0) {
		return Evaluation{Level: prev, Previous: prev, RequiresAction: prev == LevelCritical},
			&models.DataError{Symbol: pos.Symbol, Reason: fmt.Sprintf("invalid mark price %v", mark)}
	}

	dist := Distance(pos, mark)
	raw := m.rawLevel(dist)

	switch {
	case raw > m.level:
		m.level = raw
	case raw < m.level:
		if dist >= m.cfg.threshold(m.level)+m.cfg.HysteresisMargin {
			m.level--
		}
	}

	return Evaluation{
		Level:          m.level,
		Previous:       prev,
		Distance:       dist,
		MarkPrice:      mark,
		LiqPrice:       pos.LiquidationPrice,
		RequiresAction: m.level == LevelCritical,
		Changed:        m.level != prev,
	}, nil
}

// Level возвращает текущий уровень
func (m *Monitor) Level() Level {
	return m.level
}

// Reset сбрасывает уровень (новая позиция или закрытие)
func (m *Monitor) Reset() {
	m.level = LevelSafe
}

// CriticalError строит ошибку критической зоны для алерта
func CriticalError(pos models.Position, e Evaluation) *models.LiquidationCriticalError {
	return &models.LiquidationCriticalError{
		Symbol:    pos.Symbol,
		Distance:  e.Distance,
		MarkPrice: e.MarkPrice,
		LiqPrice:  e.LiqPrice,
	}
}
