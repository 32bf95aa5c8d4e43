package websocket

import (
	"time"

	"futuresbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeInstrumentUpdate - состояние инструмента
	// Отправляется после бара, перехода состояния или смены уровня ликвидации
	MessageTypeInstrumentUpdate MessageType = "instrumentUpdate"

	// MessageTypeNotification - новое уведомление
	// Отправляется при событиях: вход, выход, ликвидация, ошибки
	MessageTypeNotification MessageType = "notification"

	// MessageTypeTrade - закрытая сделка
	MessageTypeTrade MessageType = "trade"

	// MessageTypeStatsUpdate - обновление статистики торговли
	// Отправляется после закрытия каждой сделки
	MessageTypeStatsUpdate MessageType = "statsUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// InstrumentUpdateMessage - состояние инструмента
//
// Содержит:
// - Состояние позиции (FLAT, ENTERING, OPEN, EXITING)
// - Открытую позицию, последний сигнал
// - Уровень риска ликвидации и дистанцию
// - Нереализованный и реализованный PNL
type InstrumentUpdateMessage struct {
	BaseMessage
	Symbol string                    `json:"symbol"`
	Data   *models.InstrumentRuntime `json:"data"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// TradeMessage - сообщение о закрытой сделке
type TradeMessage struct {
	BaseMessage
	Data *models.TradeRecord `json:"data"`
}

// StatsUpdateMessage - сообщение об обновлении статистики
type StatsUpdateMessage struct {
	BaseMessage
	Data *models.Stats `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

// NewInstrumentUpdateMessage создает сообщение состояния инструмента
func NewInstrumentUpdateMessage(rt *models.InstrumentRuntime) *InstrumentUpdateMessage {
	return &InstrumentUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeInstrumentUpdate,
			Timestamp: time.Now(),
		},
		Symbol: rt.Symbol,
		Data:   rt,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: notif,
	}
}

// NewTradeMessage создает сообщение о сделке
func NewTradeMessage(trade *models.TradeRecord) *TradeMessage {
	return &TradeMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeTrade,
			Timestamp: time.Now(),
		},
		Data: trade,
	}
}

// NewStatsUpdateMessage создает сообщение обновления статистики
func NewStatsUpdateMessage(stats *models.Stats) *StatsUpdateMessage {
	return &StatsUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatsUpdate,
			Timestamp: time.Now(),
		},
		Data: stats,
	}
}

// scoped - сообщение одного инструмента
type scoped interface {
	scope() string
}

func (m *InstrumentUpdateMessage) scope() string { return m.Symbol }

func (m *TradeMessage) scope() string {
	if m.Data == nil {
		return ""
	}
	return m.Data.Symbol
}

func (m *NotificationMessage) scope() string {
	if m.Data == nil {
		return ""
	}
	return m.Data.Symbol
}

// scopeOf возвращает инструмент сообщения или "" для общих сообщений
func scopeOf(message interface{}) string {
	if s, ok := message.(scoped); ok {
		return s.scope()
	}
	return ""
}
