package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Поддерживаемые драйверы
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig параметры подключения
type DatabaseConfig struct {
	Driver          string // postgres | sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB - подключение к базе с диалектом плейсхолдеров.
// Запросы репозиториев пишутся с $N и переписываются под SQLite.
type DB struct {
	*sql.DB
	driver string
}

// Open открывает базу, настраивает пул и проверяет подключение
func Open(ctx context.Context, cfg DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// один писатель, WAL для чтения API во время записи
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// Wrap оборачивает уже открытое подключение (тесты, sqlmock)
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{DB: db, driver: driver}
}

// Driver возвращает имя драйвера
func (d *DB) Driver() string { return d.driver }

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Rebind переписывает $N в ?N для SQLite
func (d *DB) Rebind(query string) string {
	if d.driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

// ============================================================
// Миграции
// ============================================================

func (d *DB) schema() []string {
	idCol := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	num := "DOUBLE PRECISION"
	if d.driver == DriverSQLite {
		idCol = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "DATETIME"
		num = "REAL"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id             TEXT PRIMARY KEY,
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL,
			entry_price    ` + num + ` NOT NULL,
			exit_price     ` + num + ` NOT NULL,
			quantity       ` + num + ` NOT NULL,
			leverage       INTEGER NOT NULL,
			pnl            ` + num + ` NOT NULL,
			pnl_pct        ` + num + ` NOT NULL,
			duration_ticks BIGINT NOT NULL,
			reason         TEXT NOT NULL,
			opened_at      ` + ts + ` NOT NULL,
			closed_at      ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id        ` + idCol + `,
			timestamp ` + ts + ` NOT NULL,
			kind      TEXT NOT NULL,
			severity  TEXT NOT NULL,
			symbol    TEXT NOT NULL DEFAULT '',
			message   TEXT NOT NULL,
			meta      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp)`,

		`CREATE TABLE IF NOT EXISTS daily_stats (
			day    ` + ts + ` PRIMARY KEY,
			trades INTEGER NOT NULL,
			wins   INTEGER NOT NULL,
			losses INTEGER NOT NULL,
			pnl    ` + num + ` NOT NULL
		)`,
	}
}

// Migrate создаёт таблицы trades, notifications, daily_stats
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range d.schema() {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
