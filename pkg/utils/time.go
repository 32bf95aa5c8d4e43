package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для работы со временем
//
// Функции:
// - GetDayStartFrom / GetDayStartIn: начало дня (UTC или в зоне)
// - SessionStart: начало торговой сессии (сброс VWAP)
// - ParseInterval: "1m", "15m", "4h", "1d" → time.Duration
// - FormatDuration: человекочитаемая длительность

// GetDayStart возвращает начало текущего дня (00:00:00) в UTC
func GetDayStart() time.Time {
	return GetDayStartFrom(time.Now().UTC())
}

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetDayStartIn возвращает начало дня в указанной временной зоне
func GetDayStartIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Session описывает границу торговой сессии
//
// Kind:
//   - "daily": сессия = календарный день в Location
//   - "interval": сессия = отрезок длиной Length (выравнивание как у time.Truncate)
//   - "none": одна бесконечная сессия
type Session struct {
	Kind     string
	Length   time.Duration
	Location *time.Location
}

// ParseSession разбирает строку вида "daily", "none", "4h", "1d"
func ParseSession(spec, timezone string) (Session, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Session{}, fmt.Errorf("invalid session timezone %q: %w", timezone, err)
		}
		loc = l
	}

	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "daily":
		return Session{Kind: "daily", Location: loc}, nil
	case "none":
		return Session{Kind: "none", Location: loc}, nil
	}

	d, err := ParseInterval(spec)
	if err != nil {
		return Session{}, fmt.Errorf("invalid session boundary %q: %w", spec, err)
	}
	return Session{Kind: "interval", Length: d, Location: loc}, nil
}

// SessionStart возвращает начало сессии, которой принадлежит t.
// Детерминирован по времени бара (одинаково в live и в replay).
func SessionStart(t time.Time, s Session) time.Time {
	switch s.Kind {
	case "none":
		return time.Time{}
	case "interval":
		if s.Length <= 0 {
			return time.Time{}
		}
		return t.UTC().Truncate(s.Length)
	default:
		return GetDayStartIn(t, s.Location)
	}
}

// ParseInterval переводит интервал биржевой нотации в time.Duration.
// Поддерживает s, m, h, d, w.
func ParseInterval(interval string) (time.Duration, error) {
	interval = strings.TrimSpace(interval)
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	unit := interval[len(interval)-1]
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", interval)
	}
}

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры: "45s", "5m30s", "2h15m", "3d5h"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		if hours > 0 {
			return fmt.Sprintf("%dd%dh", days, hours)
		}
		return fmt.Sprintf("%dd", days)
	case hours > 0:
		if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	case minutes > 0:
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
