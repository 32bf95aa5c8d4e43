package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"futuresbot/internal/backtest"
	"futuresbot/internal/config"
	"futuresbot/internal/repository"
	"futuresbot/internal/storage"
)

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	strategy, err := config.LoadStrategy(strategyPath)
	if err != nil {
		return err
	}
	if equityFlag > 0 {
		strategy.Replay.InitialEquity = equityFlag
	}

	// Ctrl+C прерывает прогон, отчёт строится по проигранной части
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var source backtest.BarSource = backtest.CSVSource{Dir: dataDir}
	if fromInflux {
		if !cfg.InfluxEnabled() {
			return errors.New("--influx requires INFLUX_URL and INFLUX_TOKEN")
		}
		from, to, err := parsePeriod(fromFlag, toFlag, time.Now())
		if err != nil {
			return err
		}
		store, err := storage.NewInflux(ctx, cfg.Influx, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		source = backtest.InfluxSource{Store: store, From: from, To: to}
	}

	runner := backtest.NewRunner(backtest.Config{
		Replay:      strategy.Replay,
		Engine:      strategy.Engine,
		Instruments: strategy.Instruments,
	}, source, logger)

	if journalPath != "" {
		db, err := openJournal(ctx, journalPath)
		if err != nil {
			return err
		}
		defer db.Close()
		runner.SetJournal(repository.NewTradeRepository(db), repository.NewStatsRepository(db))
		logger.Info("trade journal enabled", zap.String("path", journalPath))
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return report.WriteJSON(out)
	}
	return report.Print(out, showTrades)
}

func openJournal(ctx context.Context, path string) (*repository.DB, error) {
	db, err := repository.Open(ctx, repository.DatabaseConfig{
		Driver: repository.DriverSQLite,
		DSN:    path,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return db, nil
}

// parsePeriod разбирает границы периода. Пустой to - now.
func parsePeriod(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	if fromStr == "" {
		return time.Time{}, time.Time{}, errors.New("--from is required with --influx")
	}
	from, err := parseTimeFlag(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	to := now.UTC()
	if toStr != "" {
		if to, err = parseTimeFlag(toStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty period %s .. %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t, nil
}
