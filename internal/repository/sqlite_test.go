package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresbot/internal/models"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DatabaseConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "journal.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestSQLite_TradeJournal(t *testing.T) {
	db := openSQLite(t)
	repo := NewTradeRepository(db)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, pnl := range []float64{10, -4, 6} {
		tr := sampleTrade(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), pnl)
		require.NoError(t, repo.Create(tr))
	}

	got, err := repo.GetByID("b")
	require.NoError(t, err)
	assert.Equal(t, -4.0, got.Pnl)
	assert.Equal(t, models.SideLong, got.Side)
	assert.True(t, got.ClosedAt.Equal(base.Add(time.Hour)), "closed_at = %v", got.ClosedAt)

	recent, err := repo.GetRecent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)

	since, err := repo.GetSince(base.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "b", since[0].ID)

	n, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// повторная миграция безопасна
	require.NoError(t, db.Migrate(context.Background()))
}

func TestSQLite_NotificationsAndDailyStats(t *testing.T) {
	db := openSQLite(t)
	notifs := NewNotificationRepository(db)
	stats := NewStatsRepository(db)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := &models.Notification{Timestamp: ts, Kind: models.NotificationEntry, Severity: models.SeverityInfo, Symbol: "BTCUSDT", Message: "open"}
	second := &models.Notification{Timestamp: ts.Add(time.Minute), Kind: models.NotificationExit, Severity: models.SeverityInfo, Symbol: "BTCUSDT",
		Message: "close", Meta: map[string]interface{}{"reason": "take-profit"}}
	require.NoError(t, notifs.Create(first))
	require.NoError(t, notifs.Create(second))
	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)

	list, err := notifs.GetRecent([]string{models.NotificationExit}, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "take-profit", list[0].Meta["reason"])

	deleted, err := notifs.DeleteOlderThan(ts.Add(30 * time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, stats.UpsertDaily(models.DailyStats{Day: day, Trades: 1, Wins: 1, Pnl: 5}))
	require.NoError(t, stats.UpsertDaily(models.DailyStats{Day: day, Trades: 2, Wins: 1, Losses: 1, Pnl: 2}))

	daily, err := stats.GetDaily(day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, 2, daily[0].Trades)
	assert.Equal(t, 2.0, daily[0].Pnl)
}
