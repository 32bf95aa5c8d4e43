package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"futuresbot/internal/bot"
	"futuresbot/internal/models"
)

var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Engine ============

type MockEngine struct {
	mu          sync.Mutex
	instruments map[string]models.InstrumentRuntime
	closeErr    error
	closed      []string
}

func NewMockEngine(list ...models.InstrumentRuntime) *MockEngine {
	m := &MockEngine{instruments: make(map[string]models.InstrumentRuntime)}
	for _, rt := range list {
		m.instruments[rt.Symbol] = rt
	}
	return m
}

func (m *MockEngine) Instruments() []models.InstrumentRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InstrumentRuntime
	for _, rt := range m.instruments {
		out = append(out, rt)
	}
	return out
}

func (m *MockEngine) Instrument(symbol string) (models.InstrumentRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.instruments[symbol]
	if !ok {
		return models.InstrumentRuntime{}, bot.ErrUnknownInstrument
	}
	return rt, nil
}

func (m *MockEngine) ForceClose(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.instruments[symbol]
	if !ok {
		return bot.ErrUnknownInstrument
	}
	if m.closeErr != nil {
		return m.closeErr
	}
	if rt.State != models.StateOpen {
		return bot.ErrNoOpenPosition
	}
	rt.State = models.StateFlat
	rt.Position = nil
	m.instruments[symbol] = rt
	m.closed = append(m.closed, symbol)
	return nil
}

// ============ Mock Stats Service ============

type MockStatsService struct {
	stats  *models.Stats
	trades []*models.TradeRecord
	days   []models.DailyStats
	err    error

	lastSymbol string
	lastLimit  int
	lastFrom   time.Time
	lastTo     time.Time
}

func (m *MockStatsService) GetStats() *models.Stats {
	if m.stats == nil {
		return &models.Stats{ByReason: map[string]int{}}
	}
	return m.stats
}

func (m *MockStatsService) GetTrades(symbol string, limit int) ([]*models.TradeRecord, error) {
	m.lastSymbol, m.lastLimit = symbol, limit
	return m.trades, m.err
}

func (m *MockStatsService) GetDaily(from, to time.Time) ([]models.DailyStats, error) {
	m.lastFrom, m.lastTo = from, to
	return m.days, m.err
}

// ============ Mock Notification Service ============

type MockNotificationService struct {
	items     []*models.Notification
	err       error
	cleared   bool
	lastKinds []string
	lastLimit int
}

func (m *MockNotificationService) GetNotifications(kinds []string, limit int) ([]*models.Notification, error) {
	m.lastKinds, m.lastLimit = kinds, limit
	return m.items, m.err
}

func (m *MockNotificationService) ClearNotifications() error {
	if m.err != nil {
		return m.err
	}
	m.cleared = true
	return nil
}

func (m *MockNotificationService) CreateNotification(notif *models.Notification) error {
	m.items = append(m.items, notif)
	return m.err
}
