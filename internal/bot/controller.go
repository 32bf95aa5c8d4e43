package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"futuresbot/internal/exchange"
	"futuresbot/internal/indicator"
	"futuresbot/internal/liquidation"
	"futuresbot/internal/models"
	"futuresbot/internal/risk"
	"futuresbot/internal/signal"
	"futuresbot/pkg/utils"
)

// ErrNoOpenPosition - нет открытой позиции для закрытия
var ErrNoOpenPosition = errors.New("no open position")

// ErrStopped - контроллер остановлен, новые входы запрещены
var ErrStopped = errors.New("controller stopped")

// ControllerDeps - внешние зависимости контроллера
type ControllerDeps struct {
	Client        exchange.Client
	Guard         *risk.Guard // nil - собственный фильтр
	Notifications chan<- *models.Notification
	Trades        chan<- *models.TradeRecord
	OnUpdate      func(models.InstrumentRuntime)
	Logger        *zap.Logger
}

// Controller - контроллер позиции одного инструмента.
//
// Владеет позицией, снимком эквити и состоянием FLAT/ENTERING/OPEN/EXITING.
// Все переходы сериализованы мьютексом: одновременно выполняется
// не больше одного перехода. В live режиме единственный вызывающий -
// event loop Pipeline.
type Controller struct {
	mu sync.Mutex

	cfg      PipelineConfig
	symbol   string
	client   exchange.Client
	executor *Executor
	logger   *zap.Logger

	bank       *indicator.Bank
	reconciler *signal.Reconciler
	model      *risk.Model
	guard      *risk.Guard
	monitor    *liquidation.Monitor
	predictor  *liquidation.Predictor

	state             string
	position          *models.Position
	entryFee          float64
	lastSignal        *models.Signal
	lastSnapshot      indicator.Snapshot
	lastRisk          models.RiskParameters
	lastEval          liquidation.Evaluation
	equity            float64
	markPrice         float64
	lastClose         float64
	realizedPnl       float64
	tick              int64
	now               time.Time
	pendingExit       string
	needsIntervention bool
	stopped           bool
	qtyStep           float64
	limitsLoaded      bool

	notifications chan<- *models.Notification
	trades        chan<- *models.TradeRecord
	onUpdate      func(models.InstrumentRuntime)
}

// NewController создаёт контроллер инструмента
func NewController(cfg PipelineConfig, deps ControllerDeps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, errors.New("exchange client is required")
	}

	bank, err := indicator.NewBank(cfg.Symbol, cfg.Indicator)
	if err != nil {
		return nil, err
	}
	model, err := risk.NewModel(cfg.Risk)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = utils.L().Logger
	}
	logger = logger.With(utils.Component("controller"), utils.Symbol(cfg.Symbol))

	guard := deps.Guard
	if guard == nil {
		guard = risk.NewGuard(cfg.Guard)
	}

	c := &Controller{
		cfg:           cfg,
		symbol:        cfg.Symbol,
		client:        deps.Client,
		executor:      NewExecutor(deps.Client, cfg.Controller, logger),
		logger:        logger,
		bank:          bank,
		reconciler:    signal.NewReconciler(cfg.Signal),
		model:         model,
		guard:         guard,
		monitor:       liquidation.NewMonitor(cfg.Liquidation),
		predictor:     liquidation.NewPredictor(64),
		state:         models.StateFlat,
		notifications: deps.Notifications,
		trades:        deps.Trades,
		onUpdate:      deps.OnUpdate,
	}
	RecordState(c.symbol, c.state)
	return c, nil
}

// Symbol возвращает символ инструмента
func (c *Controller) Symbol() string { return c.symbol }

// Guard возвращает фильтры инструмента (для планировщика)
func (c *Controller) Guard() *risk.Guard { return c.guard }

// State возвращает текущее состояние
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ============================================================
// События
// ============================================================

// Warmup прогревает индикаторы историей без принятия решений.
// Возвращает количество принятых баров.
func (c *Controller) Warmup(bars []models.Bar) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := c.feed(bars)
	c.logger.Info("indicators warmed up",
		zap.Int("bars", accepted), zap.Int("required", c.bank.Warmup()))
	return accepted
}

// Backfill догоняет индикаторы пропущенными барами без принятия решений:
// сигнал по устаревшему бару не исполняется
func (c *Controller) Backfill(bars []models.Bar) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feed(bars)
}

func (c *Controller) feed(bars []models.Bar) int {
	accepted := 0
	for _, bar := range bars {
		snap, err := c.bank.OnBar(bar)
		if err != nil {
			c.logger.Debug("history bar skipped", zap.Error(err))
			continue
		}
		accepted++
		c.tick++
		c.lastSnapshot = snap
		c.lastClose = bar.Close
		c.advance(bar.OpenTime)
	}
	return accepted
}

// OnBar обрабатывает закрытый бар: индикаторы → сигнал → риск → решение.
// Бар не по порядку или невалидный отклоняется (*models.DataError).
func (c *Controller) OnBar(ctx context.Context, bar models.Bar) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { RecordBarLatency(c.symbol, time.Since(start)) }()

	snap, err := c.bank.OnBar(bar)
	if err != nil {
		EventsProcessed.WithLabelValues("data_error").Inc()
		c.logger.Warn("bar rejected", zap.Error(err))
		return err
	}

	c.tick++
	c.advance(bar.OpenTime)
	c.lastSnapshot = snap
	c.lastClose = bar.Close

	sig := c.reconciler.Reconcile(snap)
	c.lastSignal = &sig
	if snap.InsufficientHistory {
		c.logger.Debug("insufficient history", zap.Int("bars", c.bank.Count()), zap.Int("required", c.bank.Warmup()))
	} else {
		SignalStrength.WithLabelValues(c.symbol, string(sig.Direction)).Observe(sig.Strength)
	}

	if c.state == models.StateFlat {
		c.refreshEquity(ctx)
	}

	bars := c.bank.Bars()
	c.lastRisk = c.model.ComputeRisk(bars, c.equity)
	if c.lastRisk.Volatility > 0 {
		Volatility.WithLabelValues(c.symbol).Set(c.lastRisk.Volatility)
	}

	price := bar.Close
	if c.position != nil {
		mark := c.markPrice
		if mark <= 0 {
			mark = price
		}
		c.evaluate(mark)
	}

	var guardErr error
	if c.state == models.StateFlat && sig.Actionable() && c.lastRisk.Permitted() {
		guardErr = c.guard.Allow(risk.GuardInput{
			Signal:     sig,
			Volatility: c.lastRisk.Volatility,
			Bars:       bars,
			Now:        bar.OpenTime,
		})
	}

	d := Decide(c.decisionInput(&sig, price, guardErr, false))
	err = c.act(ctx, d, price, guardErr)
	c.publish()
	return err
}

// OnMark обрабатывает маркировочную цену: мониторинг ликвидации и SL/TP
func (c *Controller) OnMark(ctx context.Context, mark models.MarkPrice) error {
	if mark.Price <= 0 || !utils.IsFinite(mark.Price) {
		return &models.DataError{Symbol: c.symbol, Reason: fmt.Sprintf("invalid mark price %v", mark.Price)}
	}

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { RecordMarkLatency(c.symbol, time.Since(start)) }()

	c.markPrice = mark.Price
	c.advance(mark.Timestamp)
	c.predictor.Observe(mark)

	if c.state != models.StateOpen || c.position == nil {
		return nil
	}

	prevLevel := c.lastEval.Level
	c.evaluate(mark.Price)
	trailed := c.trail(mark.Price)

	d := Decide(c.decisionInput(nil, mark.Price, nil, false))
	err := c.act(ctx, d, mark.Price, nil)
	if d.Action != ActionHold || trailed || c.lastEval.Level != prevLevel {
		c.publish()
	}
	return err
}

// ForceClose закрывает открытую позицию по команде оператора
func (c *Controller) ForceClose(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateOpen || c.position == nil {
		return ErrNoOpenPosition
	}
	err := c.exit(ctx, models.ExitReasonManual, c.currentPrice())
	c.publish()
	return err
}

// Shutdown закрывает открытую позицию и запрещает новые входы.
// Если закрыть не удалось, позиция остаётся OPEN с NeedsIntervention.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	d := Decide(c.decisionInput(nil, c.currentPrice(), nil, true))
	RecordDecision(c.symbol, d)
	if d.Action != ActionExit {
		c.logger.Info("controller stopped", utils.State(c.state))
		return nil
	}
	err := c.exit(ctx, d.Reason, c.currentPrice())
	c.publish()
	return err
}

// Recover принимает уже открытую на бирже позицию в состояние OPEN,
// чтобы она была под защитой монитора ликвидации.
func (c *Controller) Recover(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateFlat {
		return false, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Controller.OrderTimeout)
	pos, err := c.client.GetPosition(cctx, c.symbol)
	cancel()
	if errors.Is(err, exchange.ErrNoPosition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recover %s: %w", c.symbol, err)
	}

	c.refreshEquity(ctx)
	c.lastRisk = c.model.ComputeRisk(c.bank.Bars(), c.equity)

	leverage := pos.Leverage
	if leverage < 1 {
		leverage = 1
	}
	liq := pos.LiquidationPrice
	if liq <= 0 {
		liq = risk.LiquidationPrice(pos.Side, pos.EntryPrice, leverage, c.cfg.Risk.MaintenanceMarginRate)
	}

	recovered := &models.Position{
		Symbol:           c.symbol,
		Side:             pos.Side,
		EntryPrice:       pos.EntryPrice,
		Quantity:         pos.Size,
		InitialQuantity:  pos.Size,
		Leverage:         leverage,
		LiquidationPrice: liq,
		OpenedAt:         c.eventTime(pos.UpdatedAt),
		OpenedTick:       c.tick,
	}
	risk.ApplyExitLevels(recovered, c.lastRisk)

	if err := c.transition(models.StateEntering); err != nil {
		return false, err
	}
	c.adopt(recovered, 0)
	if err := c.transition(models.StateOpen); err != nil {
		return false, err
	}
	if pos.MarkPrice > 0 {
		c.markPrice = pos.MarkPrice
		c.evaluate(pos.MarkPrice)
	}

	c.logger.Warn("recovered open position",
		utils.Side(string(pos.Side)), utils.Quantity(pos.Size), utils.Price(pos.EntryPrice), utils.Leverage(leverage))
	c.notify(models.NotificationRecovery, models.SeverityWarn,
		fmt.Sprintf("Recovered %s %s position: %.4f @ %.4f x%d", c.symbol, pos.Side, pos.Size, pos.EntryPrice, leverage),
		map[string]interface{}{
			"side":              string(pos.Side),
			"quantity":          pos.Size,
			"entry_price":       pos.EntryPrice,
			"leverage":          leverage,
			"liquidation_price": liq,
		})
	c.publish()
	return true, nil
}

// Snapshot возвращает runtime состояние для API и UI
func (c *Controller) Snapshot() models.InstrumentRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() models.InstrumentRuntime {
	rt := models.InstrumentRuntime{
		Symbol:            c.symbol,
		State:             c.state,
		AlertLevel:        c.lastEval.Level.String(),
		MarkPrice:         c.currentPrice(),
		RealizedPnl:       c.realizedPnl,
		Equity:            c.equity,
		NeedsIntervention: c.needsIntervention,
		LastUpdate:        c.now,
	}
	if c.position != nil {
		p := c.position.Clone()
		rt.Position = &p
		rt.LiqDistance = c.lastEval.Distance
		rt.UnrealizedPnl = p.UnrealizedPnl(rt.MarkPrice)
	}
	if c.lastSignal != nil {
		s := *c.lastSignal
		rt.LastSignal = &s
	}
	return rt
}

// ============================================================
// Исполнение решений
// ============================================================

func (c *Controller) decisionInput(sig *models.Signal, price float64, guardErr error, shutdown bool) DecisionInput {
	in := DecisionInput{
		State:          c.state,
		Position:       c.position,
		Signal:         sig,
		Risk:           c.lastRisk,
		Price:          price,
		PendingExit:    c.pendingExit,
		GuardErr:       guardErr,
		Shutdown:       shutdown,
		Stopped:        c.stopped,
		EntryThreshold: c.cfg.Controller.EntryThreshold,
		ExitThreshold:  c.cfg.Controller.ExitThreshold,
	}
	if c.position != nil {
		eval := c.lastEval
		in.Liquidation = &eval
	}
	return in
}

func (c *Controller) act(ctx context.Context, d Decision, price float64, guardErr error) error {
	RecordDecision(c.symbol, d)

	switch d.Action {
	case ActionEnter:
		return c.enter(ctx, d.Side, price)
	case ActionExit:
		return c.exit(ctx, d.Reason, price)
	case ActionReduce:
		return c.takeProfit(ctx, d.Level, price)
	}

	switch d.Reason {
	case HoldGuardBlocked:
		var violation *models.RiskViolationError
		rule := "unknown"
		if errors.As(guardErr, &violation) {
			rule = violation.Rule
		}
		GuardBlocks.WithLabelValues(c.symbol, rule).Inc()
		c.logger.Info("entry blocked by guard", utils.Reason(guardErr.Error()))
		c.notify(models.NotificationRisk, models.SeverityInfo,
			fmt.Sprintf("%s entry suppressed: %v", c.symbol, guardErr),
			map[string]interface{}{"rule": rule})
	case HoldRiskBlocked:
		c.logger.Debug("entry blocked by risk model", utils.Reason(c.lastRisk.Reason))
	}
	return nil
}

func (c *Controller) enter(ctx context.Context, side models.Side, price float64) error {
	params := c.lastRisk
	if err := c.model.CheckInvariants(params); err != nil {
		c.logger.Warn("risk invariant violated, entry suppressed", zap.Error(err))
		c.notify(models.NotificationRisk, models.SeverityWarn, err.Error(), nil)
		return err
	}

	qty := risk.Quantity(c.equity, params, price, c.lotStep(ctx))
	if qty <= 0 {
		c.logger.Info("entry quantity rounds to zero",
			zap.Float64("equity", c.equity), zap.Float64("size_fraction", params.PositionSizeFraction))
		return nil
	}

	if err := c.transition(models.StateEntering); err != nil {
		return err
	}

	fill, err := c.executor.Enter(ctx, exchange.OrderRequest{
		Symbol:   c.symbol,
		Side:     side,
		Quantity: qty,
		Leverage: params.Leverage,
	})
	if err != nil {
		_ = c.transition(models.StateFlat)
		OrderFailures.WithLabelValues(c.symbol, "place_order").Inc()
		c.logger.Error("entry failed", utils.Side(string(side)), utils.Quantity(qty), zap.Error(err))
		c.notify(models.NotificationError, models.SeverityError,
			fmt.Sprintf("%s entry failed: %v", c.symbol, err), nil)
		return err
	}

	entry := fill.AvgPrice
	if entry <= 0 {
		entry = price
	}
	filled := fill.Quantity
	if filled <= 0 {
		filled = qty
	}

	pos := &models.Position{
		Symbol:           c.symbol,
		Side:             side,
		EntryPrice:       entry,
		Quantity:         filled,
		InitialQuantity:  filled,
		Leverage:         params.Leverage,
		LiquidationPrice: c.liquidationPrice(ctx, side, entry, params.Leverage),
		OpenedAt:         c.eventTime(fill.Timestamp),
		OpenedTick:       c.tick,
	}
	risk.ApplyExitLevels(pos, params)
	c.adopt(pos, fill.Fee)
	if err := c.transition(models.StateOpen); err != nil {
		return err
	}

	c.logger.Info("position opened",
		utils.Side(string(side)), utils.Quantity(filled), utils.Price(entry), utils.Leverage(params.Leverage),
		zap.Float64("stop_loss", pos.StopLossPrice), zap.Float64("take_profit", pos.TakeProfitPrice),
		zap.Float64("liquidation", pos.LiquidationPrice))
	c.notify(models.NotificationEntry, models.SeverityInfo,
		fmt.Sprintf("Opened %s %s %.4f @ %.4f x%d", c.symbol, side, filled, entry, params.Leverage),
		map[string]interface{}{
			"side":              string(side),
			"quantity":          filled,
			"entry_price":       entry,
			"leverage":          params.Leverage,
			"stop_loss":         pos.StopLossPrice,
			"take_profit":       pos.TakeProfitPrice,
			"liquidation_price": pos.LiquidationPrice,
			"take_profit_steps": len(pos.TakeProfits),
			"size_fraction":     params.PositionSizeFraction,
			"volatility":        params.Volatility,
		})
	return nil
}

// liquidationPrice берёт цену ликвидации с биржи, без неё считает по mmr
func (c *Controller) liquidationPrice(ctx context.Context, side models.Side, entry float64, leverage int) float64 {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Controller.OrderTimeout)
	defer cancel()

	pos, err := c.client.GetPosition(cctx, c.symbol)
	switch {
	case err != nil:
		c.logger.Debug("exchange liquidation price unavailable", zap.Error(err))
	case pos != nil && pos.LiquidationPrice > 0:
		return pos.LiquidationPrice
	}
	return risk.LiquidationPrice(side, entry, leverage, c.cfg.Risk.MaintenanceMarginRate)
}

func (c *Controller) adopt(pos *models.Position, fee float64) {
	c.position = pos
	c.entryFee = fee
	c.pendingExit = ""
	c.needsIntervention = false
	c.monitor.Reset()
	c.predictor.Reset()
	c.lastEval = liquidation.Evaluation{}
}

func (c *Controller) exit(ctx context.Context, reason string, price float64) error {
	pos := c.position
	if pos == nil {
		return ErrNoOpenPosition
	}
	if err := c.transition(models.StateExiting); err != nil {
		return err
	}

	fill, err := c.executor.Exit(ctx, c.symbol)
	if err != nil && errors.Is(err, exchange.ErrNoPosition) {
		// позиция уже закрыта на бирже (ликвидация или вручную)
		c.logger.Warn("position already closed on exchange", utils.Reason(reason))
		fill = &exchange.Fill{Symbol: c.symbol, Side: pos.Side, Quantity: pos.Quantity, AvgPrice: price}
		err = nil
	}
	if err != nil {
		_ = c.transition(models.StateOpen)
		c.needsIntervention = true
		c.pendingExit = reason
		OrderFailures.WithLabelValues(c.symbol, "close_position").Inc()
		c.logger.Error("exit failed, manual intervention may be required",
			utils.Reason(reason), zap.Error(err))
		c.notify(models.NotificationError, models.SeverityCritical,
			fmt.Sprintf("%s exit (%s) failed, will retry next cycle: %v", c.symbol, reason, err),
			map[string]interface{}{"reason": reason, "needs_intervention": true})
		return err
	}

	exitPrice := fill.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	trade := c.closeTrade(ctx, pos, reason, exitPrice, pos.Quantity, c.entryFee, fill)

	c.position = nil
	c.entryFee = 0
	c.pendingExit = ""
	c.needsIntervention = false
	c.monitor.Reset()
	c.predictor.Reset()
	c.lastEval = liquidation.Evaluation{}
	if err := c.transition(models.StateFlat); err != nil {
		return err
	}

	c.logger.Info("position closed",
		utils.TradeID(trade.ID), utils.Reason(reason), utils.Price(exitPrice), utils.PNL(trade.Pnl))
	severity := models.SeverityInfo
	if reason == models.ExitReasonLiquidationCritical || reason == models.ExitReasonStopLoss {
		severity = models.SeverityWarn
	}
	c.notify(models.NotificationExit, severity,
		fmt.Sprintf("Closed %s %s (%s) @ %.4f, PnL %.2f USDT (%.2f%%)",
			c.symbol, trade.Side, reason, exitPrice, trade.Pnl, trade.PnlPct*100),
		map[string]interface{}{
			"trade_id":   trade.ID,
			"reason":     reason,
			"exit_price": exitPrice,
			"pnl":        trade.Pnl,
			"pnl_pct":    trade.PnlPct,
		})
	return nil
}

// closeTrade формирует TradeRecord по закрытому объёму qty и учитывает PNL.
// entryFee - доля комиссии входа, приходящаяся на qty.
func (c *Controller) closeTrade(ctx context.Context, pos *models.Position, reason string, exitPrice, qty, entryFee float64, fill *exchange.Fill) *models.TradeRecord {
	gross := utils.CalculatePNL(string(pos.Side), pos.EntryPrice, exitPrice, qty)
	pnl := gross - entryFee - fill.Fee

	margin := pos.EntryPrice * qty / float64(pos.Leverage)
	trade := &models.TradeRecord{
		ID:            uuid.NewString(),
		Symbol:        c.symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      qty,
		Leverage:      pos.Leverage,
		Pnl:           pnl,
		PnlPct:        utils.SafeDiv(pnl, margin),
		DurationTicks: c.tick - pos.OpenedTick,
		Reason:        reason,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      c.eventTime(fill.Timestamp),
	}

	c.realizedPnl += pnl
	c.equity += pnl
	c.guard.RecordTrade(pnl, trade.ClosedAt)
	RecordTrade(c.symbol, reason, pnl)
	c.emitTrade(ctx, trade)
	return trade
}

// emitTrade передаёт сделку хранилищу статистики, ожидая не дольше
// TradeSendTimeout. Не доставленная сделка целиком уходит в лог.
func (c *Controller) emitTrade(ctx context.Context, trade *models.TradeRecord) {
	if c.trades == nil {
		return
	}
	if enqueueWithin(ctx, c.trades, trade, c.cfg.Controller.TradeSendTimeout, "trade") {
		return
	}
	c.logger.Error("trade record not delivered", utils.TradeID(trade.ID), zap.Any("trade", trade))
}

// ============================================================
// Лестница тейк-профитов и трейлинг
// ============================================================

// takeProfit закрывает долю позиции на ступени level.
// Если после неё не остаётся целого лота, позиция закрывается полностью.
func (c *Controller) takeProfit(ctx context.Context, level int, price float64) error {
	pos := c.position
	if pos == nil {
		return ErrNoOpenPosition
	}
	step := pos.TakeProfits[level]
	qty := utils.RoundToLotSize(pos.InitialQuantity*step.Fraction, c.lotStep(ctx))
	if qty <= 0 {
		pos.TakeProfits[level].Filled = true
		c.logger.Info("take profit step skipped, quantity rounds to zero",
			zap.Int("step", level+1), zap.Float64("fraction", step.Fraction))
		return nil
	}
	if utils.SubLots(pos.Quantity, qty, c.qtyStep) <= 0 {
		return c.exit(ctx, models.ExitReasonTakeProfit, price)
	}

	if err := c.transition(models.StateExiting); err != nil {
		return err
	}
	fill, err := c.executor.Reduce(ctx, c.symbol, qty)
	if errors.Is(err, exchange.ErrNoPosition) {
		_ = c.transition(models.StateOpen)
		return c.exit(ctx, models.ExitReasonTakeProfit, price)
	}
	if err != nil {
		_ = c.transition(models.StateOpen)
		OrderFailures.WithLabelValues(c.symbol, "reduce_position").Inc()
		c.logger.Error("partial take profit failed, will retry next cycle",
			zap.Int("step", level+1), utils.Quantity(qty), zap.Error(err))
		c.notify(models.NotificationError, models.SeverityError,
			fmt.Sprintf("%s take profit step %d failed: %v", c.symbol, level+1, err),
			map[string]interface{}{"step": level + 1, "quantity": qty})
		return err
	}

	filled := fill.Quantity
	if filled <= 0 || filled > pos.Quantity {
		filled = math.Min(qty, pos.Quantity)
	}
	exitPrice := fill.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	feeShare := c.entryFee * filled / pos.Quantity
	trade := c.closeTrade(ctx, pos, models.ExitReasonTakeProfitPartial, exitPrice, filled, feeShare, fill)

	c.entryFee -= feeShare
	pos.Quantity = utils.SubLots(pos.Quantity, filled, c.qtyStep)
	pos.TakeProfits[level].Filled = true
	if err := c.transition(models.StateOpen); err != nil {
		return err
	}

	c.logger.Info("take profit step filled",
		utils.TradeID(trade.ID), zap.Int("step", level+1), utils.Quantity(filled),
		utils.Price(exitPrice), utils.PNL(trade.Pnl), zap.Float64("remaining", pos.Quantity))
	c.notify(models.NotificationExit, models.SeverityInfo,
		fmt.Sprintf("Take profit %d on %s: %.4f @ %.4f, PnL %.2f USDT, %.4f left",
			level+1, c.symbol, filled, exitPrice, trade.Pnl, pos.Quantity),
		map[string]interface{}{
			"trade_id":   trade.ID,
			"reason":     models.ExitReasonTakeProfitPartial,
			"step":       level + 1,
			"exit_price": exitPrice,
			"quantity":   filled,
			"remaining":  pos.Quantity,
			"pnl":        trade.Pnl,
		})
	return nil
}

// trail подтягивает стоп открытой позиции за маркировочной ценой
func (c *Controller) trail(mark float64) bool {
	prev := c.position.StopLossPrice
	if !c.position.TrailStop(mark) {
		return false
	}
	c.logger.Debug("trailing stop moved",
		zap.Float64("from", prev), zap.Float64("to", c.position.StopLossPrice), utils.Price(mark))
	return true
}

// evaluate проверяет близость к ликвидации и шлёт алерты при эскалации
func (c *Controller) evaluate(mark float64) {
	ev, err := c.monitor.Evaluate(*c.position, mark)
	if err != nil {
		c.logger.Warn("liquidation check skipped", zap.Error(err))
		return
	}
	c.lastEval = ev
	RecordLiquidation(c.symbol, ev.Distance, int(ev.Level), ev.Changed, ev.Level.String())

	if !ev.Changed {
		return
	}
	if !ev.Escalated() {
		c.logger.Info("liquidation alert de-escalated",
			utils.AlertLevel(ev.Level.String()), utils.Distance(ev.Distance))
		return
	}

	meta := map[string]interface{}{
		"level":             ev.Level.String(),
		"distance":          ev.Distance,
		"mark_price":        ev.MarkPrice,
		"liquidation_price": ev.LiqPrice,
		"risk_score":        liquidation.RiskScore(*c.position, mark),
	}
	if ttl, ok := c.predictor.TimeToLiquidation(*c.position); ok {
		meta["time_to_liquidation"] = utils.FormatDuration(ttl)
	}

	if ev.Level == liquidation.LevelCritical {
		critical := liquidation.CriticalError(*c.position, ev)
		c.logger.Error("liquidation critical", utils.Distance(ev.Distance), zap.Error(critical))
		c.notify(models.NotificationLiquidationCritical, models.SeverityCritical, critical.Error(), meta)
		return
	}

	severity := models.SeverityInfo
	if ev.Level == liquidation.LevelWarning {
		severity = models.SeverityWarn
		c.logger.Warn("liquidation warning", utils.Distance(ev.Distance))
	} else {
		c.logger.Info("liquidation watch", utils.AlertLevel(ev.Level.String()), utils.Distance(ev.Distance))
	}
	// ниже порога notify_level только лог
	if ev.Level < c.cfg.Liquidation.NotifyAt() {
		return
	}
	c.notify(models.NotificationLiquidationWarning, severity,
		fmt.Sprintf("%s is %.2f%% from liquidation (%s, mark %.4f, liq %.4f)",
			c.symbol, ev.Distance*100, ev.Level, ev.MarkPrice, ev.LiqPrice), meta)
}

// transition выполняет переход состояния. Недопустимый переход не меняет состояние.
func (c *Controller) transition(to string) error {
	if err := checkTransition(c.state, to); err != nil {
		c.logger.Error("rejected state transition", zap.Error(err))
		return err
	}
	c.logger.Debug("state transition", zap.String("from", c.state), utils.State(to))
	c.state = to
	RecordState(c.symbol, to)
	return nil
}

// ============================================================
// Вспомогательные методы
// ============================================================

func (c *Controller) refreshEquity(ctx context.Context) {
	timeout := c.cfg.Controller.EquityTimeout
	if timeout <= 0 {
		timeout = c.cfg.Controller.OrderTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	equity, err := c.client.GetEquity(cctx)
	if err != nil {
		c.logger.Warn("equity refresh failed, using last value", zap.Error(err), zap.Float64("equity", c.equity))
		return
	}
	c.equity = equity
	Equity.Set(equity)
}

func (c *Controller) lotStep(ctx context.Context) float64 {
	if c.limitsLoaded {
		return c.qtyStep
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Controller.OrderTimeout)
	defer cancel()

	limits, err := c.client.GetLimits(cctx, c.symbol)
	if err != nil {
		c.logger.Warn("symbol limits unavailable", zap.Error(err))
		return 0
	}
	c.qtyStep = limits.QtyStep
	c.limitsLoaded = true
	return c.qtyStep
}

func (c *Controller) currentPrice() float64 {
	if c.markPrice > 0 {
		return c.markPrice
	}
	return c.lastClose
}

// advance двигает время событий вперёд (время бара или mark price, не wall clock)
func (c *Controller) advance(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}

func (c *Controller) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return c.now
	}
	return t
}

func (c *Controller) notify(kind, severity, message string, meta map[string]interface{}) {
	ts := c.now
	if ts.IsZero() {
		ts = time.Now()
	}
	tryEnqueueNotification(c.notifications, &models.Notification{
		Timestamp: ts,
		Kind:      kind,
		Severity:  severity,
		Symbol:    c.symbol,
		Message:   message,
		Meta:      meta,
	})
}

func (c *Controller) publish() {
	if c.onUpdate != nil {
		c.onUpdate(c.snapshotLocked())
	}
}

// LastBarTime возвращает время открытия последнего принятого бара
func (c *Controller) LastBarTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bank.Count() == 0 {
		return time.Time{}
	}
	return c.bank.LastTime()
}
