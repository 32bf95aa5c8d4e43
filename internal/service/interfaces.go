package service

import (
	"context"
	"time"

	"futuresbot/internal/models"
	"futuresbot/internal/repository"
)

// TradeRepositoryInterface определяет интерфейс журнала сделок
type TradeRepositoryInterface interface {
	Create(trade *models.TradeRecord) error
	GetByID(id string) (*models.TradeRecord, error)
	GetRecent(limit int) ([]*models.TradeRecord, error)
	GetBySymbol(symbol string, limit int) ([]*models.TradeRecord, error)
	GetSince(since time.Time) ([]*models.TradeRecord, error)
}

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(notif *models.Notification) error
	GetRecent(kinds []string, limit int) ([]*models.Notification, error)
	DeleteAll() error
	DeleteOlderThan(before time.Time) (int64, error)
}

// StatsRepositoryInterface определяет интерфейс репозитория дневной статистики
type StatsRepositoryInterface interface {
	UpsertDaily(s models.DailyStats) error
	GetDaily(from, to time.Time) ([]models.DailyStats, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ TradeRepositoryInterface = (*repository.TradeRepository)(nil)
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)
var _ StatsRepositoryInterface = (*repository.StatsRepository)(nil)

// ============ Внешние получатели ============

// Sender - доставка уведомлений во внешний канал (Telegram)
type Sender interface {
	Send(ctx context.Context, notif *models.Notification) error
}

// TradeSink - дополнительная запись сделок во временные ряды (InfluxDB)
type TradeSink interface {
	WriteTrade(ctx context.Context, trade *models.TradeRecord) error
}

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// StatsBroadcaster - интерфейс для отправки обновлений статистики через WebSocket
type StatsBroadcaster interface {
	BroadcastTrade(trade *models.TradeRecord)
	BroadcastStatsUpdate(stats *models.Stats)
}

// ============ Интерфейсы сервисов для Dependency Injection ============

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	GetNotifications(kinds []string, limit int) ([]*models.Notification, error)
	ClearNotifications() error
	CreateNotification(notif *models.Notification) error
}

// StatsServiceInterface определяет интерфейс сервиса статистики
type StatsServiceInterface interface {
	GetStats() *models.Stats
	GetTrades(symbol string, limit int) ([]*models.TradeRecord, error)
	GetDaily(from, to time.Time) ([]models.DailyStats, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ StatsServiceInterface = (*StatsService)(nil)
