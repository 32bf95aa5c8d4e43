package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/internal/risk"
	"futuresbot/pkg/utils"
)

// ErrUnknownInstrument - инструмент не торгуется движком
var ErrUnknownInstrument = errors.New("unknown instrument")

// WebSocketHub - интерфейс для отправки данных клиентам
//
// Реализуется пакетом internal/websocket/Hub:
// - instrumentUpdate: состояние инструмента после бара, перехода или смены алерта
// - notification: события торговли
// - trade: закрытые сделки
// - statsUpdate: статистика при изменениях
type WebSocketHub interface {
	BroadcastInstrumentUpdate(rt *models.InstrumentRuntime)
	BroadcastNotification(notif *models.Notification)
	BroadcastTrade(trade *models.TradeRecord)
	BroadcastStatsUpdate(stats *models.Stats)
}

// EngineConfig - параметры движка
type EngineConfig struct {
	NotificationBuffer int           `yaml:"notification_buffer"`
	TradeBuffer        int           `yaml:"trade_buffer"`
	MetricsInterval    time.Duration `yaml:"metrics_interval"`
}

// DefaultEngineConfig возвращает параметры по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NotificationBuffer: 256,
		TradeBuffer:        256,
		MetricsInterval:    15 * time.Second,
	}
}

// Engine - движок: один Pipeline на инструмент.
//
// Инструменты не разделяют изменяемого состояния. Уведомления и итоги
// сделок всех инструментов идут в общие буферизованные каналы,
// которые читают NotificationService и StatsService.
type Engine struct {
	cfg    EngineConfig
	client exchange.Client
	mode   Mode
	logger *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline

	notifications chan *models.Notification
	trades        chan *models.TradeRecord

	wsHub WebSocketHub
}

// NewEngine создаёт движок
func NewEngine(cfg EngineConfig, client exchange.Client, mode Mode, wsHub WebSocketHub, logger *zap.Logger) *Engine {
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = DefaultEngineConfig().NotificationBuffer
	}
	if cfg.TradeBuffer <= 0 {
		cfg.TradeBuffer = DefaultEngineConfig().TradeBuffer
	}
	if logger == nil {
		logger = utils.L().Logger
	}
	return &Engine{
		cfg:           cfg,
		client:        client,
		mode:          mode,
		logger:        logger.With(utils.Component("engine")),
		pipelines:     make(map[string]*Pipeline),
		notifications: make(chan *models.Notification, cfg.NotificationBuffer),
		trades:        make(chan *models.TradeRecord, cfg.TradeBuffer),
		wsHub:         wsHub,
	}
}

// Notifications - канал уведомлений для NotificationService
func (e *Engine) Notifications() <-chan *models.Notification { return e.notifications }

// Trades - канал закрытых сделок для StatsService
func (e *Engine) Trades() <-chan *models.TradeRecord { return e.trades }

// NotificationSink - канал для уведомлений других компонентов (планировщик)
func (e *Engine) NotificationSink() chan<- *models.Notification { return e.notifications }

// Client возвращает клиент биржи
func (e *Engine) Client() exchange.Client { return e.client }

// AddInstrument добавляет инструмент. Вызывается до Run.
func (e *Engine) AddInstrument(cfg PipelineConfig) error {
	cfg.Symbol = utils.NormalizeSymbol(cfg.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pipelines[cfg.Symbol]; ok {
		return fmt.Errorf("instrument %s already added", cfg.Symbol)
	}

	p, err := NewPipeline(cfg, ControllerDeps{
		Client:        e.client,
		Guard:         risk.NewGuard(cfg.Guard),
		Notifications: e.notifications,
		Trades:        e.trades,
		OnUpdate:      e.broadcastInstrument,
		Logger:        e.logger,
	}, e.mode)
	if err != nil {
		return fmt.Errorf("instrument %s: %w", cfg.Symbol, err)
	}
	e.pipelines[cfg.Symbol] = p
	return nil
}

// Start прогревает инструменты, восстанавливает открытые позиции
// и подписывается на стримы. В ModeSync после Start события
// доставляет Replay.Step.
func (e *Engine) Start(ctx context.Context) error {
	pipelines := e.list()

	var g errgroup.Group
	for _, p := range pipelines {
		p := p
		g.Go(func() error { return p.Warmup(ctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	rm := NewRecoveryManager(e, nil)
	if _, err := rm.Recover(ctx); err != nil {
		e.logger.Error("recovery failed", zap.Error(err))
	}

	for _, p := range pipelines {
		if err := p.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", p.Symbol(), err)
		}
	}
	return nil
}

// Run запускает все инструменты и блокируется до отмены ctx.
// При отмене каждый инструмент закрывает свою позицию.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range e.list() {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		e.periodicTasks(gctx)
		return nil
	})

	e.logger.Info("engine running", zap.Int("instruments", len(e.pipelines)))
	return g.Wait()
}

// Shutdown закрывает позиции всех инструментов (sync режим)
func (e *Engine) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, p := range e.list() {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// periodicTasks - периодические задачи (НЕ влияют на торговлю)
func (e *Engine) periodicTasks(ctx context.Context) {
	interval := e.cfg.MetricsInterval
	if interval <= 0 {
		interval = DefaultEngineConfig().MetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			UpdateRuntimeMetrics()
		}
	}
}

func (e *Engine) broadcastInstrument(rt models.InstrumentRuntime) {
	if e.wsHub != nil {
		e.wsHub.BroadcastInstrumentUpdate(&rt)
	}
}

func (e *Engine) list() []*Pipeline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

func (e *Engine) get(symbol string) (*Pipeline, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[utils.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return p, nil
}

// ============ API для сервисов и HTTP ============

// Instruments возвращает runtime состояние всех инструментов
func (e *Engine) Instruments() []models.InstrumentRuntime {
	pipelines := e.list()
	out := make([]models.InstrumentRuntime, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, p.Controller().Snapshot())
	}
	return out
}

// Instrument возвращает runtime состояние инструмента
func (e *Engine) Instrument(symbol string) (models.InstrumentRuntime, error) {
	p, err := e.get(symbol)
	if err != nil {
		return models.InstrumentRuntime{}, err
	}
	return p.Controller().Snapshot(), nil
}

// ForceClose принудительно закрывает позицию инструмента
func (e *Engine) ForceClose(ctx context.Context, symbol string) error {
	p, err := e.get(symbol)
	if err != nil {
		return err
	}
	return p.ForceClose(ctx)
}

// Guards возвращает фильтры всех инструментов (сброс дневного лимита)
func (e *Engine) Guards() map[string]*risk.Guard {
	out := make(map[string]*risk.Guard)
	for _, p := range e.list() {
		out[p.Symbol()] = p.Controller().Guard()
	}
	return out
}

// ResetDay начинает новый торговый день для фильтров всех инструментов
func (e *Engine) ResetDay(equity float64) {
	for _, g := range e.Guards() {
		g.ResetDay(equity)
	}
}

// HasOpenPosition проверяет, есть ли открытая позиция у инструмента
func (e *Engine) HasOpenPosition(symbol string) bool {
	p, err := e.get(symbol)
	if err != nil {
		return false
	}
	return HasOpenPosition(p.Controller().State())
}
