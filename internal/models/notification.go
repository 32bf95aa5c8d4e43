package models

import "time"

// Notification - структурированное событие для нотификатора
type Notification struct {
	ID        int64                  `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Kind      string                 `json:"kind" db:"kind"`
	Severity  string                 `json:"severity" db:"severity"`
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationEntry               = "entry"
	NotificationExit                = "exit"
	NotificationLiquidationWarning  = "liquidation-warning"
	NotificationLiquidationCritical = "liquidation-critical"
	NotificationError               = "error"
	NotificationRisk                = "risk"          // сделка подавлена риск-фильтром
	NotificationRecovery            = "recovery"      // позиция найдена при старте
	NotificationDailySummary        = "daily-summary" // итоги дня (scheduler)
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical" // требуется ручное вмешательство
)

// AllNotificationKinds возвращает все известные типы уведомлений
func AllNotificationKinds() []string {
	return []string{
		NotificationEntry,
		NotificationExit,
		NotificationLiquidationWarning,
		NotificationLiquidationCritical,
		NotificationError,
		NotificationRisk,
		NotificationRecovery,
		NotificationDailySummary,
	}
}
