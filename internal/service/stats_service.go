package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/internal/risk"
	"futuresbot/pkg/utils"
)

const (
	// historyLimit - сколько последних сделок держать в памяти
	historyLimit = 10000
	sinkTimeout  = 5 * time.Second
)

// StatsService - хранилище статистики торговли.
//
// Функции:
// - RecordTrade: записать закрытую сделку (журнал + агрегаты + дневной итог)
// - GetStats: агрегированная статистика
// - GetTrades / GetDaily: журнал сделок и дневные итоги
// - RestoreGuards: восстановить дневной PNL фильтров после рестарта
//
// Суммы PNL накапливаются в decimal, чтобы итог не зависел от
// порядка сложения. Репозитории опциональны (бэктест держит всё в памяти).
//
// WebSocket интеграция:
// - После каждой записи сделки отправляет trade и statsUpdate
type StatsService struct {
	tradeRepo TradeRepositoryInterface
	statsRepo StatsRepositoryInterface
	wsHub     StatsBroadcaster
	sink      TradeSink
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.RWMutex
	total       int
	wins        int
	losses      int
	totalPnl    decimal.Decimal
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
	peak        decimal.Decimal
	maxDD       decimal.Decimal
	best        float64
	worst       float64
	durationSum int64
	byReason    map[string]int
	days        map[time.Time]*dailyAgg
	history     []*models.TradeRecord
	updatedAt   time.Time
}

type dailyAgg struct {
	trades int
	wins   int
	losses int
	pnl    decimal.Decimal
}

func (d *dailyAgg) toModel(day time.Time) models.DailyStats {
	return models.DailyStats{
		Day:    day,
		Trades: d.trades,
		Wins:   d.wins,
		Losses: d.losses,
		Pnl:    d.pnl.InexactFloat64(),
	}
}

// NewStatsService создает новый экземпляр StatsService
func NewStatsService(tradeRepo TradeRepositoryInterface, statsRepo StatsRepositoryInterface, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &StatsService{
		tradeRepo: tradeRepo,
		statsRepo: statsRepo,
		logger:    logger.With(utils.Component("stats")),
		now:       time.Now,
		byReason:  make(map[string]int),
		days:      make(map[time.Time]*dailyAgg),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast статистики.
//
// Вызывается после инициализации Hub в main.go:
//
//	statsService := service.NewStatsService(tradeRepo, statsRepo, logger)
//	statsService.SetWebSocketHub(wsHub)
func (s *StatsService) SetWebSocketHub(hub StatsBroadcaster) {
	s.wsHub = hub
}

// SetTradeSink подключает запись сделок во временные ряды.
// Ошибка sink только логируется.
func (s *StatsService) SetTradeSink(sink TradeSink) {
	s.sink = sink
}

// SetClock подменяет источник текущего времени (сегодняшний итог в бэктесте)
func (s *StatsService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Load восстанавливает агрегаты из журнала сделок
func (s *StatsService) Load() error {
	if s.tradeRepo == nil {
		return nil
	}
	trades, err := s.tradeRepo.GetSince(time.Time{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, t := range trades {
		s.apply(t)
	}
	s.mu.Unlock()

	s.logger.Info("stats loaded", zap.Int("trades", len(trades)))
	return nil
}

// Run читает канал сделок движка до отмены ctx, затем дочитывает буфер
func (s *StatsService) Run(ctx context.Context, in <-chan *models.TradeRecord) error {
	for {
		select {
		case t := <-in:
			s.handle(t)
		case <-ctx.Done():
			for {
				select {
				case t := <-in:
					s.handle(t)
				default:
					return nil
				}
			}
		}
	}
}

func (s *StatsService) handle(t *models.TradeRecord) {
	if t == nil {
		return
	}
	if err := s.RecordTrade(t); err != nil {
		s.logger.Error("trade not persisted", utils.TradeID(t.ID), utils.Symbol(t.Symbol), zap.Error(err))
	}
}

// RecordTrade записывает закрытую сделку.
//
// Агрегаты обновляются даже при ошибке журнала: статистика в памяти
// должна совпадать с тем, что видел движок.
func (s *StatsService) RecordTrade(trade *models.TradeRecord) error {
	var firstErr error
	if s.tradeRepo != nil {
		if err := s.tradeRepo.Create(trade); err != nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	day := s.apply(trade)
	daily := s.days[day].toModel(day)
	s.mu.Unlock()

	if s.statsRepo != nil {
		if err := s.statsRepo.UpsertDaily(daily); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.sink.WriteTrade(ctx, trade); err != nil {
			s.logger.Warn("trade not written to time series", utils.TradeID(trade.ID), zap.Error(err))
		}
		cancel()
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastTrade(trade)
		s.wsHub.BroadcastStatsUpdate(s.GetStats())
	}
	return firstErr
}

// apply добавляет сделку в агрегаты, возвращает её торговый день.
// Вызывается под s.mu.
func (s *StatsService) apply(t *models.TradeRecord) time.Time {
	pnl := decimal.NewFromFloat(t.Pnl)

	s.total++
	if t.IsWin() {
		s.wins++
		s.grossProfit = s.grossProfit.Add(pnl)
	} else {
		s.losses++
		s.grossLoss = s.grossLoss.Add(pnl.Abs())
	}

	if s.total == 1 || t.Pnl > s.best {
		s.best = t.Pnl
	}
	if s.total == 1 || t.Pnl < s.worst {
		s.worst = t.Pnl
	}

	// Просадка по кривой накопленного PNL
	s.totalPnl = s.totalPnl.Add(pnl)
	if s.totalPnl.GreaterThan(s.peak) {
		s.peak = s.totalPnl
	}
	if dd := s.peak.Sub(s.totalPnl); dd.GreaterThan(s.maxDD) {
		s.maxDD = dd
	}

	s.durationSum += t.DurationTicks
	s.byReason[t.Reason]++

	day := utils.GetDayStartFrom(t.ClosedAt)
	agg, ok := s.days[day]
	if !ok {
		agg = &dailyAgg{}
		s.days[day] = agg
	}
	agg.trades++
	if t.IsWin() {
		agg.wins++
	} else {
		agg.losses++
	}
	agg.pnl = agg.pnl.Add(pnl)

	s.history = append(s.history, t)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.updatedAt = time.Now()
	return day
}

// GetStats возвращает агрегированную статистику.
//
// ProfitFactor = прибыль / |убыток|, 0 пока нет убыточных сделок.
func (s *StatsService) GetStats() *models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.Stats{
		TotalTrades: s.total,
		Wins:        s.wins,
		Losses:      s.losses,
		TotalPnl:    s.totalPnl.InexactFloat64(),
		GrossProfit: s.grossProfit.InexactFloat64(),
		GrossLoss:   s.grossLoss.InexactFloat64(),
		MaxDrawdown: s.maxDD.InexactFloat64(),
		BestTrade:   s.best,
		WorstTrade:  s.worst,
		ByReason:    make(map[string]int, len(s.byReason)),
		UpdatedAt:   s.updatedAt,
	}
	if s.total > 0 {
		stats.WinRate = float64(s.wins) / float64(s.total)
		stats.AvgDurationTicks = float64(s.durationSum) / float64(s.total)
	}
	if s.grossLoss.IsPositive() {
		stats.ProfitFactor = s.grossProfit.Div(s.grossLoss).InexactFloat64()
	}
	for k, v := range s.byReason {
		stats.ByReason[k] = v
	}
	if today, ok := s.days[utils.GetDayStartFrom(s.now())]; ok {
		stats.TodayTrades = today.trades
		stats.TodayPnl = today.pnl.InexactFloat64()
	}
	return stats
}

// GetTrades возвращает последние сделки (новые сверху), symbol опционален
func (s *StatsService) GetTrades(symbol string, limit int) ([]*models.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	if s.tradeRepo != nil {
		if symbol != "" {
			return s.tradeRepo.GetBySymbol(symbol, limit)
		}
		return s.tradeRepo.GetRecent(limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.TradeRecord, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || s.history[i].Symbol == symbol {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

// AllTrades возвращает сделки из памяти в порядке закрытия (отчёт бэктеста)
func (s *StatsService) AllTrades() []*models.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.TradeRecord, len(s.history))
	copy(out, s.history)
	return out
}

// GetDaily возвращает дневные итоги в диапазоне [from, to]
func (s *StatsService) GetDaily(from, to time.Time) ([]models.DailyStats, error) {
	if s.statsRepo != nil {
		return s.statsRepo.GetDaily(from, to)
	}

	from = utils.GetDayStartFrom(from)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyStats
	for day, agg := range s.days {
		if day.Before(from) || day.After(to) {
			continue
		}
		out = append(out, agg.toModel(day))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Today возвращает итог текущего дня (пустой, если сделок не было)
func (s *StatsService) Today() models.DailyStats {
	day := utils.GetDayStartFrom(s.now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.days[day]; ok {
		return agg.toModel(day)
	}
	return models.DailyStats{Day: day}
}

// RestoreGuards переносит сегодняшние сделки в фильтры инструментов,
// чтобы дневной лимит убытка пережил рестарт
func (s *StatsService) RestoreGuards(guards map[string]*risk.Guard) int {
	dayStart := utils.GetDayStartFrom(s.now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	restored := 0
	for _, t := range s.history {
		if t.ClosedAt.Before(dayStart) {
			continue
		}
		g, ok := guards[t.Symbol]
		if !ok {
			continue
		}
		g.RecordTrade(t.Pnl, t.ClosedAt)
		restored++
	}
	if restored > 0 {
		s.logger.Info("daily loss guards restored", zap.Int("trades", restored))
	}
	return restored
}
