package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"futuresbot/internal/backtest"
	"futuresbot/internal/storage"
	"futuresbot/pkg/utils"
)

// importBatch - свечей в одном запросе записи
const importBatch = 5000

func runImport(cmd *cobra.Command, files []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.InfluxEnabled() {
		return errors.New("import requires INFLUX_URL and INFLUX_TOKEN")
	}

	ctx := cmd.Context()
	store, err := storage.NewInflux(ctx, cfg.Influx, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, path := range files {
		symbol, interval, err := seriesFromFile(path, importSymbol, importInterval)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		bars, err := backtest.ReadCSV(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		for start := 0; start < len(bars); start += importBatch {
			end := start + importBatch
			if end > len(bars) {
				end = len(bars)
			}
			if err := store.WriteBars(ctx, symbol, interval, bars[start:end]); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		logger.Info("history imported",
			utils.Symbol(symbol),
			zap.String("interval", interval),
			zap.Int("bars", len(bars)))
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d bars\n", symbol, interval, len(bars))
	}
	return nil
}

// seriesFromFile определяет символ и интервал по имени файла SYMBOL_interval.csv.
// Непустые symbol/interval имеют приоритет.
func seriesFromFile(path, symbol, interval string) (string, string, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndex(base, "_"); i > 0 {
		if symbol == "" {
			symbol = base[:i]
		}
		if interval == "" {
			interval = base[i+1:]
		}
	}

	symbol = utils.NormalizeSymbol(symbol)
	if err := utils.ValidateSymbol(symbol); err != nil {
		return "", "", fmt.Errorf("%s: %w", path, err)
	}
	if err := utils.ValidateInterval(interval); err != nil {
		return "", "", fmt.Errorf("%s: %w", path, err)
	}
	return symbol, interval, nil
}
