package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"futuresbot/internal/models"
)

var errMock = errors.New("mock error")

// ============ Репозитории ============

type mockTradeRepo struct {
	mu        sync.Mutex
	trades    []*models.TradeRecord
	createErr error
}

func (m *mockTradeRepo) Create(trade *models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockTradeRepo) GetByID(id string) (*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, errMock
}

func (m *mockTradeRepo) GetRecent(limit int) ([]*models.TradeRecord, error) {
	return m.GetBySymbol("", limit)
}

func (m *mockTradeRepo) GetBySymbol(symbol string, limit int) ([]*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TradeRecord
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.trades[i].Symbol == symbol {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

func (m *mockTradeRepo) GetSince(since time.Time) ([]*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TradeRecord
	for _, t := range m.trades {
		if !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out, nil
}

type mockStatsRepo struct {
	mu   sync.Mutex
	days map[time.Time]models.DailyStats
	err  error
}

func newMockStatsRepo() *mockStatsRepo {
	return &mockStatsRepo{days: make(map[time.Time]models.DailyStats)}
}

func (m *mockStatsRepo) UpsertDaily(s models.DailyStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.days[s.Day] = s
	return nil
}

func (m *mockStatsRepo) GetDaily(from, to time.Time) ([]models.DailyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DailyStats
	for day, s := range m.days {
		if !day.Before(from) && !day.After(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

type mockNotificationRepo struct {
	mu        sync.Mutex
	items     []*models.Notification
	createErr error

	lastKinds []string
	lastLimit int
	cleared   bool
	before    time.Time
}

func (m *mockNotificationRepo) Create(notif *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	notif.ID = int64(len(m.items) + 1)
	m.items = append(m.items, notif)
	return nil
}

func (m *mockNotificationRepo) GetRecent(kinds []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKinds = kinds
	m.lastLimit = limit
	return m.items, nil
}

func (m *mockNotificationRepo) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = true
	m.items = nil
	return nil
}

func (m *mockNotificationRepo) DeleteOlderThan(before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = before
	return 3, nil
}

func (m *mockNotificationRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ============ Получатели ============

type mockSender struct {
	mu    sync.Mutex
	sent  []*models.Notification
	err   error
	block chan struct{}
}

func (m *mockSender) Send(ctx context.Context, notif *models.Notification) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notif)
	return m.err
}

func (m *mockSender) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, n := range m.sent {
		out[i] = n.Kind
	}
	return out
}

type mockHub struct {
	mu            sync.Mutex
	notifications int
	trades        int
	statsUpdates  int
	lastStats     *models.Stats
}

func (m *mockHub) BroadcastNotification(*models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications++
}

func (m *mockHub) BroadcastTrade(*models.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades++
}

func (m *mockHub) BroadcastStatsUpdate(stats *models.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsUpdates++
	m.lastStats = stats
}

type mockSink struct {
	mu     sync.Mutex
	trades []string
	err    error
}

func (m *mockSink) WriteTrade(_ context.Context, trade *models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade.ID)
	return m.err
}
