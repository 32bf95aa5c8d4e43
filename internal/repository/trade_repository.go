package repository

import (
	"database/sql"
	"errors"
	"time"

	"futuresbot/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - работа с таблицей trades (журнал закрытых сделок)
type TradeRepository struct {
	db *DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `id, symbol, side, entry_price, exit_price, quantity, leverage, pnl, pnl_pct, duration_ticks, reason, opened_at, closed_at`

// Create записывает закрытую сделку
func (r *TradeRepository) Create(trade *models.TradeRecord) error {
	query := r.db.Rebind(`
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)

	_, err := r.db.Exec(
		query,
		trade.ID,
		trade.Symbol,
		string(trade.Side),
		trade.EntryPrice,
		trade.ExitPrice,
		trade.Quantity,
		trade.Leverage,
		trade.Pnl,
		trade.PnlPct,
		trade.DurationTicks,
		trade.Reason,
		trade.OpenedAt.UTC(),
		trade.ClosedAt.UTC(),
	)
	return err
}

// GetByID возвращает сделку по ID
func (r *TradeRepository) GetByID(id string) (*models.TradeRecord, error) {
	query := r.db.Rebind(`
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE id = $1`)

	trade, err := scanTrade(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

// GetRecent возвращает последние N сделок, новые первыми
func (r *TradeRepository) GetRecent(limit int) ([]*models.TradeRecord, error) {
	query := r.db.Rebind(`
		SELECT ` + tradeColumns + `
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1`)

	return r.query(query, limit)
}

// GetBySymbol возвращает последние N сделок инструмента
func (r *TradeRepository) GetBySymbol(symbol string, limit int) ([]*models.TradeRecord, error) {
	query := r.db.Rebind(`
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE symbol = $1
		ORDER BY closed_at DESC
		LIMIT $2`)

	return r.query(query, symbol, limit)
}

// GetSince возвращает сделки, закрытые начиная с since, в хронологическом порядке
func (r *TradeRepository) GetSince(since time.Time) ([]*models.TradeRecord, error) {
	query := r.db.Rebind(`
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE closed_at >= $1
		ORDER BY closed_at ASC`)

	return r.query(query, since.UTC())
}

// Count возвращает количество сделок
func (r *TradeRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n)
	return n, err
}

func (r *TradeRepository) query(query string, args ...interface{}) ([]*models.TradeRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.TradeRecord
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*models.TradeRecord, error) {
	trade := &models.TradeRecord{}
	var side string
	err := row.Scan(
		&trade.ID,
		&trade.Symbol,
		&side,
		&trade.EntryPrice,
		&trade.ExitPrice,
		&trade.Quantity,
		&trade.Leverage,
		&trade.Pnl,
		&trade.PnlPct,
		&trade.DurationTicks,
		&trade.Reason,
		&trade.OpenedAt,
		&trade.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	trade.Side = models.Side(side)
	return trade, nil
}
