package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"futuresbot/internal/models"
)

// BarSource - источник истории для бэктеста
type BarSource interface {
	LoadBars(ctx context.Context, symbol, interval string) ([]models.Bar, error)
}

// ============ CSV ============

// CSVSource читает файлы <Dir>/<SYMBOL>_<interval>.csv.
//
// Формат строки: open_time, open, high, low, close, volume[, ...].
// open_time - unix миллисекунды (выгрузка Binance) или RFC3339.
// Заголовок и лишние колонки допускаются.
type CSVSource struct {
	Dir string
}

// Path возвращает путь файла символа
func (s CSVSource) Path(symbol, interval string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s.csv", symbol, interval))
}

// LoadBars читает файл символа
func (s CSVSource) LoadBars(_ context.Context, symbol, interval string) ([]models.Bar, error) {
	f, err := os.Open(s.Path(symbol, interval))
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", symbol, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, err)
	}
	return bars, nil
}

// ErrNoBars - в источнике нет ни одного бара
var ErrNoBars = errors.New("no bars")

// ReadCSV разбирает свечи из CSV
func ReadCSV(r io.Reader) ([]models.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var bars []models.Bar
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if len(record) < 6 {
			return nil, fmt.Errorf("line %d: expected at least 6 columns, got %d", line, len(record))
		}

		ts, err := parseTime(record[0])
		if err != nil {
			// Заголовок допускается только первой строкой
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var values [5]float64
		for i := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+2, err)
			}
			values[i] = v
		}

		bar := models.Bar{
			OpenTime: ts,
			Open:     values[0],
			High:     values[1],
			Low:      values[2],
			Close:    values[3],
			Volume:   values[4],
		}
		if !bar.Valid() {
			return nil, &models.DataError{Reason: fmt.Sprintf("line %d: invalid bar", line)}
		}
		bars = append(bars, bar)
	}

	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	return bars, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid open_time %q", s)
	}
	return t.UTC(), nil
}

// WriteCSV записывает свечи в формате ReadCSV (с заголовком)
func WriteCSV(w io.Writer, bars []models.Bar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"open_time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		if err := writer.Write([]string{
			strconv.FormatInt(b.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ============ InfluxDB ============

// BarQuerier - чтение свечей из временных рядов (storage.Influx)
type BarQuerier interface {
	QueryBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Bar, error)
}

// InfluxSource читает историю за период [From, To)
type InfluxSource struct {
	Store    BarQuerier
	From, To time.Time
}

// LoadBars запрашивает свечи символа
func (s InfluxSource) LoadBars(ctx context.Context, symbol, interval string) ([]models.Bar, error) {
	bars, err := s.Store.QueryBars(ctx, symbol, interval, s.From, s.To)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("history %s: %w", symbol, ErrNoBars)
	}
	return bars, nil
}
