package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// influx.go - временные ряды в InfluxDB 2.x
//
// Measurements:
// - bars: закрытые свечи (источник данных бэктеста)
// - instrument: снимки состояния инструментов (эквити, PNL, дистанция до ликвидации)
// - trades: закрытые сделки

// Config - подключение к InfluxDB
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

const (
	measurementBars       = "bars"
	measurementInstrument = "instrument"
	measurementTrades     = "trades"
)

// ErrUnhealthy - InfluxDB отвечает, но не в состоянии pass
var ErrUnhealthy = errors.New("influxdb is not healthy")

// Influx - запись и чтение временных рядов
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	logger   *zap.Logger
}

// NewInflux подключается к InfluxDB и проверяет health
func NewInflux(ctx context.Context, cfg Config, logger *zap.Logger) (*Influx, error) {
	if logger == nil {
		logger = utils.L().Logger
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb connection failed: %w", err)
	}
	if health == nil || health.Status != domain.HealthCheckStatusPass {
		client.Close()
		return nil, ErrUnhealthy
	}

	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		logger:   logger.With(utils.Component("influx")),
	}, nil
}

// Close закрывает клиент
func (s *Influx) Close() {
	s.client.Close()
}

// WriteBars сохраняет свечи инструмента одним запросом
func (s *Influx) WriteBars(ctx context.Context, symbol, interval string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(bars))
	for _, b := range bars {
		points = append(points, influxdb2.NewPoint(
			measurementBars,
			map[string]string{
				"symbol":   symbol,
				"interval": interval,
			},
			map[string]interface{}{
				"open":   b.Open,
				"high":   b.High,
				"low":    b.Low,
				"close":  b.Close,
				"volume": b.Volume,
			},
			b.OpenTime,
		))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write bars %s: %w", symbol, err)
	}
	return nil
}

// WriteInstruments сохраняет снимок состояния инструментов
func (s *Influx) WriteInstruments(ctx context.Context, snapshots []models.InstrumentRuntime, at time.Time) error {
	if len(snapshots) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(snapshots))
	for _, rt := range snapshots {
		points = append(points, influxdb2.NewPoint(
			measurementInstrument,
			map[string]string{
				"symbol": rt.Symbol,
				"state":  rt.State,
			},
			map[string]interface{}{
				"equity":         rt.Equity,
				"unrealized_pnl": rt.UnrealizedPnl,
				"realized_pnl":   rt.RealizedPnl,
				"mark_price":     rt.MarkPrice,
				"liq_distance":   rt.LiqDistance,
				"alert_level":    rt.AlertLevel,
			},
			at,
		))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write instrument snapshot: %w", err)
	}
	return nil
}

// WriteTrade сохраняет закрытую сделку
func (s *Influx) WriteTrade(ctx context.Context, t *models.TradeRecord) error {
	point := influxdb2.NewPoint(
		measurementTrades,
		map[string]string{
			"symbol": t.Symbol,
			"side":   string(t.Side),
			"reason": t.Reason,
		},
		map[string]interface{}{
			"id":             t.ID,
			"entry_price":    t.EntryPrice,
			"exit_price":     t.ExitPrice,
			"quantity":       t.Quantity,
			"leverage":       int64(t.Leverage),
			"pnl":            t.Pnl,
			"pnl_pct":        t.PnlPct,
			"duration_ticks": t.DurationTicks,
		},
		t.ClosedAt,
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write trade %s: %w", t.ID, err)
	}
	return nil
}

// QueryBars возвращает свечи в диапазоне [from, to) по возрастанию времени
func (s *Influx) QueryBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Bar, error) {
	// Значения подставляются в Flux: допускаем только валидные символ и интервал
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if err := utils.ValidateInterval(interval); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s >= %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.symbol == "%s")
			|> filter(fn: (r) => r.interval == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"])
	`, s.bucket, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		measurementBars, utils.NormalizeSymbol(symbol), interval)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", symbol, err)
	}
	defer result.Close()

	var bars []models.Bar
	skipped := 0
	for result.Next() {
		record := result.Record()
		open, _ := record.ValueByKey("open").(float64)
		high, _ := record.ValueByKey("high").(float64)
		low, _ := record.ValueByKey("low").(float64)
		closePrice, _ := record.ValueByKey("close").(float64)
		volume, _ := record.ValueByKey("volume").(float64)

		bar := models.Bar{
			OpenTime: record.Time().UTC(),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		}
		if !bar.Valid() {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read bars %s: %w", symbol, result.Err())
	}
	if skipped > 0 {
		s.logger.Warn("invalid bars skipped", utils.Symbol(symbol), zap.Int("count", skipped))
	}

	return bars, nil
}
