package repository

import (
	"time"

	"futuresbot/internal/models"
)

// StatsRepository - дневные агрегаты торговли (таблица daily_stats)
type StatsRepository struct {
	db *DB
}

// NewStatsRepository создает новый экземпляр репозитория
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// UpsertDaily записывает или заменяет агрегат дня
func (r *StatsRepository) UpsertDaily(s models.DailyStats) error {
	query := r.db.Rebind(`
		INSERT INTO daily_stats (day, trades, wins, losses, pnl)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (day) DO UPDATE SET
			trades = excluded.trades,
			wins = excluded.wins,
			losses = excluded.losses,
			pnl = excluded.pnl`)

	_, err := r.db.Exec(query, s.Day.UTC(), s.Trades, s.Wins, s.Losses, s.Pnl)
	return err
}

// GetDaily возвращает агрегаты дней в диапазоне [from, to]
func (r *StatsRepository) GetDaily(from, to time.Time) ([]models.DailyStats, error) {
	query := r.db.Rebind(`
		SELECT day, trades, wins, losses, pnl
		FROM daily_stats
		WHERE day >= $1 AND day <= $2
		ORDER BY day ASC`)

	rows, err := r.db.Query(query, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyStats
	for rows.Next() {
		var s models.DailyStats
		if err := rows.Scan(&s.Day, &s.Trades, &s.Wins, &s.Losses, &s.Pnl); err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
