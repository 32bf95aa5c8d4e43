package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/bot"
	"futuresbot/internal/exchange"
	"futuresbot/internal/service"
	"futuresbot/pkg/utils"
)

// Config - параметры прогона
type Config struct {
	Replay      exchange.ReplayConfig
	Engine      bot.EngineConfig
	Instruments []bot.PipelineConfig
}

// Runner проигрывает историю через тот же движок, что и live:
// Replay доставляет бары и mark price синхронно (bot.ModeSync),
// итоги сделок считает StatsService в памяти.
type Runner struct {
	cfg    Config
	source BarSource
	logger *zap.Logger

	tradeRepo service.TradeRepositoryInterface
	statsRepo service.StatsRepositoryInterface
}

// NewRunner создает прогон
func NewRunner(cfg Config, source BarSource, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &Runner{
		cfg:    cfg,
		source: source,
		logger: logger.With(utils.Component("backtest")),
	}
}

// SetJournal включает запись сделок в БД (SQLite журнал прогона)
func (r *Runner) SetJournal(trades service.TradeRepositoryInterface, stats service.StatsRepositoryInterface) {
	r.tradeRepo = trades
	r.statsRepo = stats
}

// Run выполняет прогон. При отмене ctx позиции закрываются,
// отчёт строится по проигранной части истории.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if len(r.cfg.Instruments) == 0 {
		return nil, errors.New("no instruments to backtest")
	}
	started := time.Now()

	replay := exchange.NewReplay(r.cfg.Replay)
	timeline, err := r.load(ctx, replay)
	if err != nil {
		return nil, err
	}

	engine := bot.NewEngine(r.cfg.Engine, replay, bot.ModeSync, nil, r.logger)
	for _, pc := range r.cfg.Instruments {
		if err := engine.AddInstrument(pc); err != nil {
			return nil, err
		}
	}

	stats := service.NewStatsService(r.tradeRepo, r.statsRepo, r.logger)
	// "Сегодня" в статистике - день последнего проигранного бара
	var now time.Time
	stats.SetClock(func() time.Time { return now })

	report := newReport(r.cfg.Replay.InitialEquity)
	collect := func() {
		for {
			select {
			case t := <-engine.Trades():
				if err := stats.RecordTrade(t); err != nil {
					r.logger.Warn("trade not journaled", utils.TradeID(t.ID), zap.Error(err))
				}
			case n := <-engine.Notifications():
				report.addNotification(n)
			default:
				return
			}
		}
	}

	engine.ResetDay(r.cfg.Replay.InitialEquity)
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	var day time.Time
	for ctx.Err() == nil && replay.Step() {
		now = timeline[replay.Cursor()-1]
		// Новый торговый день: сброс дневного лимита убытка по текущему эквити
		if d := utils.GetDayStartFrom(now); !d.Equal(day) {
			if !day.IsZero() {
				equity, _ := replay.GetEquity(ctx)
				engine.ResetDay(equity)
			}
			day = d
		}
		collect()
	}
	report.Interrupted = ctx.Err() != nil

	// Закрытие позиций не должно зависеть от отменённого ctx
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown failed", zap.Error(err))
	}
	collect()

	report.Bars = replay.Cursor()
	report.Instruments = engine.Instruments()
	report.Stats = stats.GetStats()
	report.Trades = stats.AllTrades()
	report.Fees = replay.Fees()
	report.FinalEquity, _ = replay.GetEquity(shutdownCtx)
	report.Daily, _ = stats.GetDaily(time.Time{}, now)
	if len(timeline) > 0 {
		report.From = timeline[0]
		report.To = now
	}
	report.Elapsed = time.Since(started)
	report.finish()

	r.logger.Info("backtest finished",
		zap.Int("bars", report.Bars),
		zap.Int("trades", report.Stats.TotalTrades),
		utils.PNL(report.Stats.TotalPnl),
		utils.Elapsed(report.Elapsed))

	return report, nil
}

// load загружает историю всех инструментов и возвращает шкалу времени
// самой длинной серии (Replay шагает по индексу бара)
func (r *Runner) load(ctx context.Context, replay *exchange.Replay) ([]time.Time, error) {
	var timeline []time.Time
	for _, pc := range r.cfg.Instruments {
		symbol := utils.NormalizeSymbol(pc.Symbol)
		bars, err := r.source.LoadBars(ctx, symbol, pc.Interval)
		if err != nil {
			return nil, err
		}
		if err := replay.LoadBars(symbol, bars); err != nil {
			return nil, err
		}
		if len(bars) > len(timeline) {
			timeline = make([]time.Time, len(bars))
			for i, b := range bars {
				timeline[i] = b.OpenTime
			}
		}
		r.logger.Info("history loaded", utils.Symbol(symbol), zap.Int("bars", len(bars)))
	}
	return timeline, nil
}
