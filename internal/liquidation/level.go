package liquidation

import (
	"fmt"
	"strings"
)

// Level - уровень тревоги по расстоянию до ликвидации.
// Чем меньше расстояние, тем выше уровень.
type Level int

const (
	LevelSafe Level = iota
	LevelWatch
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWatch:
		return "watch"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "safe"
	}
}

// ParseLevel разбирает имя уровня без учёта регистра
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return LevelSafe, nil
	case "watch":
		return LevelWatch, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "critical":
		return LevelCritical, nil
	default:
		return LevelSafe, fmt.Errorf("unknown liquidation level %q", s)
	}
}
