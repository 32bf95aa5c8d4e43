package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Mode - режим доставки событий в контроллер
type Mode int

const (
	// ModeLive - события идут через канал в event loop (Run)
	ModeLive Mode = iota
	// ModeSync - обработчики стримов вызывают контроллер напрямую (бэктест на Replay)
	ModeSync
)

type eventKind int

const (
	eventBar eventKind = iota
	eventMark
	eventCommand
)

type command struct {
	op    string
	reply chan error
}

const commandForceClose = "force-close"

type event struct {
	kind eventKind
	bar  models.Bar
	mark models.MarkPrice
	cmd  command
}

// Pipeline - конвейер одного инструмента:
// стримы биржи → event loop → Controller.
//
// Один event loop на инструмент: бары, mark price и команды идут через
// один канал, поэтому контроллер вызывается последовательно.
type Pipeline struct {
	cfg        PipelineConfig
	deps       ControllerDeps
	controller *Controller
	mode       Mode
	interval   time.Duration
	logger     *zap.Logger

	events chan event
}

// NewPipeline создаёт конвейер инструмента
func NewPipeline(cfg PipelineConfig, deps ControllerDeps, mode Mode) (*Pipeline, error) {
	ctrl, err := NewController(cfg, deps)
	if err != nil {
		return nil, err
	}
	interval, err := utils.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 1024
	}

	logger := deps.Logger
	if logger == nil {
		logger = utils.L().Logger
	}

	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		controller: ctrl,
		mode:       mode,
		interval:   interval,
		logger:     logger.With(utils.Component("pipeline"), utils.Symbol(cfg.Symbol)),
		events:     make(chan event, buf),
	}, nil
}

// Controller возвращает контроллер инструмента
func (p *Pipeline) Controller() *Controller { return p.controller }

// Symbol возвращает символ инструмента
func (p *Pipeline) Symbol() string { return p.cfg.Symbol }

// Warmup прогревает индикаторы историей бар
func (p *Pipeline) Warmup(ctx context.Context) error {
	bars, err := p.deps.Client.GetBars(ctx, p.cfg.Symbol, p.cfg.Interval, p.cfg.Indicator.WindowSize)
	if err != nil {
		return err
	}
	p.controller.Warmup(bars)
	return nil
}

// Subscribe подписывается на стримы баров и mark price
func (p *Pipeline) Subscribe(ctx context.Context) error {
	client := p.deps.Client
	if err := client.SubscribeBars(ctx, p.cfg.Symbol, p.cfg.Interval, p.onBar(ctx)); err != nil {
		return err
	}
	return client.SubscribeMarkPrice(ctx, p.cfg.Symbol, p.onMark(ctx))
}

func (p *Pipeline) onBar(ctx context.Context) func(models.Bar) {
	if p.mode == ModeSync {
		return func(bar models.Bar) { p.handleBar(ctx, bar) }
	}
	return func(bar models.Bar) {
		// бары не теряем
		select {
		case p.events <- event{kind: eventBar, bar: bar}:
		case <-ctx.Done():
		}
	}
}

func (p *Pipeline) onMark(ctx context.Context) func(models.MarkPrice) {
	if p.mode == ModeSync {
		return func(m models.MarkPrice) { p.handleMark(ctx, m) }
	}
	return func(m models.MarkPrice) {
		// устаревшую mark price можно пропустить
		select {
		case p.events <- event{kind: eventMark, mark: m}:
		default:
			RecordBufferOverflow("events")
			RecordBufferBacklog("events", cap(p.events), len(p.events))
		}
	}
}

// Run - event loop инструмента. При отмене ctx закрывает позицию
// (Shutdown) с отдельным таймаутом.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", zap.String("interval", p.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case ev := <-p.events:
			p.dispatch(ctx, ev)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case eventBar:
		p.handleBar(ctx, ev.bar)
	case eventMark:
		p.handleMark(ctx, ev.mark)
	case eventCommand:
		EventsProcessed.WithLabelValues("command").Inc()
		var err error
		switch ev.cmd.op {
		case commandForceClose:
			err = p.controller.ForceClose(ctx)
		default:
			err = errors.New("unknown command " + ev.cmd.op)
		}
		ev.cmd.reply <- err
	}
}

func (p *Pipeline) handleBar(ctx context.Context, bar models.Bar) {
	p.fillGap(ctx, bar)
	if err := p.controller.OnBar(ctx, bar); err != nil {
		p.logError("bar", err)
	}
}

func (p *Pipeline) handleMark(ctx context.Context, m models.MarkPrice) {
	if err := p.controller.OnMark(ctx, m); err != nil {
		p.logError("mark", err)
	}
}

// fillGap догружает пропущенные бары после переподключения стрима
func (p *Pipeline) fillGap(ctx context.Context, bar models.Bar) {
	last := p.controller.LastBarTime()
	if last.IsZero() || p.mode == ModeSync {
		return
	}
	missing := int(bar.OpenTime.Sub(last)/p.interval) - 1
	if missing <= 0 {
		return
	}

	p.logger.Warn("bar gap detected, backfilling", zap.Int("missing", missing), zap.Time("last", last))
	bars, err := p.deps.Client.GetBars(ctx, p.cfg.Symbol, p.cfg.Interval, missing+2)
	if err != nil {
		p.logger.Error("backfill failed", zap.Error(err))
		return
	}
	gap := make([]models.Bar, 0, missing)
	for _, b := range bars {
		if b.OpenTime.After(last) && b.OpenTime.Before(bar.OpenTime) {
			gap = append(gap, b)
		}
	}
	// решение принимается только по живому бару
	n := p.controller.Backfill(gap)
	p.logger.Info("gap backfilled", zap.Int("bars", n), zap.Int("missing", missing))
}

func (p *Pipeline) logError(stage string, err error) {
	var dataErr *models.DataError
	switch {
	case errors.As(err, &dataErr), errors.Is(err, models.ErrInsufficientHistory):
		p.logger.Debug("event skipped", zap.String("stage", stage), zap.Error(err))
	case errors.Is(err, ErrNoOpenPosition):
	default:
		p.logger.Error("event processing failed", zap.String("stage", stage), zap.Error(err))
	}
}

// ForceClose закрывает позицию через event loop (live) или напрямую (sync)
func (p *Pipeline) ForceClose(ctx context.Context) error {
	if p.mode == ModeSync {
		return p.controller.ForceClose(ctx)
	}

	reply := make(chan error, 1)
	select {
	case p.events <- event{kind: eventCommand, cmd: command{op: commandForceClose, reply: reply}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown закрывает позицию инструмента (используется в sync режиме)
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.controller.Shutdown(ctx)
}

func (p *Pipeline) shutdown() error {
	c := p.cfg.Controller
	timeout := c.OrderTimeout*time.Duration(c.ExitMaxRetries+1) + c.ExitMaxDelay*time.Duration(c.ExitMaxRetries)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := p.controller.Shutdown(ctx)
	if err != nil {
		p.logger.Error("shutdown close failed", zap.Error(err))
	} else {
		p.logger.Info("pipeline stopped")
	}
	return err
}
