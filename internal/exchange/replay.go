package exchange

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"futuresbot/internal/models"
	"futuresbot/internal/risk"
	"futuresbot/pkg/utils"
)

// ReplayConfig настройки симуляции исполнения на исторических барах
type ReplayConfig struct {
	InitialEquity         float64 `yaml:"initial_equity"`
	FeeRate               float64 `yaml:"fee_rate"` // taker комиссия от номинала
	Slippage              float64 `yaml:"slippage"` // доля цены против нас
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
	QtyStep               float64 `yaml:"qty_step"`
	MinOrderQty           float64 `yaml:"min_order_qty"`
	MaxLeverage           int     `yaml:"max_leverage"`
}

// DefaultReplayConfig возвращает настройки близкие к Binance USDⓈ-M
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		InitialEquity:         10000,
		FeeRate:               0.0004,
		Slippage:              0.0002,
		MaintenanceMarginRate: 0.004,
		QtyStep:               0.001,
		MinOrderQty:           0.001,
		MaxLeverage:           125,
	}
}

// Replay - детерминированный клиент для бэктеста.
// Для каждого бара сначала эмитит путь маркировочной цены
// (open, экстремумы, close), затем сам бар. Ордера исполняются
// по последней маркировочной цене с проскальзыванием и комиссией.
//
// Обработчики вызываются синхронно из Step без удержания мьютекса,
// поэтому из них можно вызывать PlaceOrder, ClosePosition и ReducePosition.
type Replay struct {
	mu  sync.Mutex
	cfg ReplayConfig

	series  map[string][]models.Bar
	symbols []string
	cursor  int

	barHandlers  map[string][]func(models.Bar)
	markHandlers map[string][]func(models.MarkPrice)

	positions map[string]*Position
	marks     map[string]float64
	cash      float64
	fees      float64
	fills     []Fill
	orderSeq  int64
	failNext  int
}

// NewReplay создаёт клиент симуляции
func NewReplay(cfg ReplayConfig) *Replay {
	if cfg.QtyStep <= 0 {
		cfg.QtyStep = DefaultReplayConfig().QtyStep
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = DefaultReplayConfig().MaxLeverage
	}
	return &Replay{
		cfg:          cfg,
		series:       make(map[string][]models.Bar),
		barHandlers:  make(map[string][]func(models.Bar)),
		markHandlers: make(map[string][]func(models.MarkPrice)),
		positions:    make(map[string]*Position),
		marks:        make(map[string]float64),
		cash:         cfg.InitialEquity,
	}
}

// Name возвращает имя клиента
func (r *Replay) Name() string { return "replay" }

// LoadBars загружает историю символа. Бары должны идти строго по времени.
func (r *Replay) LoadBars(symbol string, bars []models.Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].OpenTime.After(bars[i-1].OpenTime) {
			return &models.DataError{
				Symbol: symbol,
				Reason: fmt.Sprintf("bar %d at %s not after %s", i, bars[i].OpenTime, bars[i-1].OpenTime),
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.series[symbol]; !ok {
		r.symbols = append(r.symbols, symbol)
		sort.Strings(r.symbols)
	}
	r.series[symbol] = append([]models.Bar(nil), bars...)
	return nil
}

// Len возвращает длину самой длинной серии
func (r *Replay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Replay) lenLocked() int {
	n := 0
	for _, s := range r.series {
		if len(s) > n {
			n = len(s)
		}
	}
	return n
}

// Cursor возвращает количество уже проигранных баров
func (r *Replay) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// FailNextOrders заставляет следующие n ордеров (вход и выход) завершиться ошибкой
func (r *Replay) FailNextOrders(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

// Fills возвращает все исполнения
func (r *Replay) Fills() []Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fill(nil), r.fills...)
}

// Fees возвращает сумму уплаченных комиссий
func (r *Replay) Fees() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fees
}

// ============================================================
// Проигрывание
// ============================================================

type replayEvent struct {
	mark   *models.MarkPrice
	bar    *models.Bar
	symbol string
}

// Step проигрывает следующий бар всех символов.
// Возвращает false когда история закончилась.
func (r *Replay) Step() bool {
	r.mu.Lock()
	idx := r.cursor
	if idx >= r.lenLocked() {
		r.mu.Unlock()
		return false
	}
	r.cursor++

	var events []replayEvent
	for _, sym := range r.symbols {
		s := r.series[sym]
		if idx >= len(s) {
			continue
		}
		bar := s[idx]
		for _, m := range markPath(sym, bar, barInterval(s, idx)) {
			m := m
			events = append(events, replayEvent{mark: &m, symbol: sym})
		}
		events = append(events, replayEvent{bar: &bar, symbol: sym})
	}
	r.mu.Unlock()

	for _, ev := range events {
		if ev.mark != nil {
			r.mu.Lock()
			r.marks[ev.symbol] = ev.mark.Price
			handlers := slices.Clone(r.markHandlers[ev.symbol])
			r.mu.Unlock()
			for _, h := range handlers {
				h(*ev.mark)
			}
			continue
		}
		r.mu.Lock()
		handlers := slices.Clone(r.barHandlers[ev.symbol])
		r.mu.Unlock()
		for _, h := range handlers {
			h(*ev.bar)
		}
	}
	return true
}

// Run проигрывает всю историю или до отмены ctx
func (r *Replay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.Step() {
			return nil
		}
	}
}

// markPath строит путь цены внутри бара: для растущего бара
// open → low → high → close, для падающего open → high → low → close
func markPath(symbol string, bar models.Bar, interval time.Duration) []models.MarkPrice {
	first, second := bar.Low, bar.High
	if bar.Close < bar.Open {
		first, second = bar.High, bar.Low
	}
	step := interval / 3
	closeAt := bar.OpenTime.Add(interval - time.Millisecond)
	return []models.MarkPrice{
		{Symbol: symbol, Price: bar.Open, Timestamp: bar.OpenTime},
		{Symbol: symbol, Price: first, Timestamp: bar.OpenTime.Add(step)},
		{Symbol: symbol, Price: second, Timestamp: bar.OpenTime.Add(2 * step)},
		{Symbol: symbol, Price: bar.Close, Timestamp: closeAt},
	}
}

func barInterval(s []models.Bar, idx int) time.Duration {
	switch {
	case idx+1 < len(s):
		return s[idx+1].OpenTime.Sub(s[idx].OpenTime)
	case idx > 0:
		return s[idx].OpenTime.Sub(s[idx-1].OpenTime)
	default:
		return time.Minute
	}
}

// ============================================================
// Client
// ============================================================

// GetBars возвращает уже проигранные бары символа
func (r *Replay) GetBars(_ context.Context, symbol, _ string, limit int) ([]models.Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	end := r.cursor
	if end > len(s) {
		end = len(s)
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return append([]models.Bar(nil), s[start:end]...), nil
}

// SubscribeBars регистрирует обработчик баров
func (r *Replay) SubscribeBars(_ context.Context, symbol, _ string, handler func(models.Bar)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.barHandlers[symbol] = append(r.barHandlers[symbol], handler)
	return nil
}

// SubscribeMarkPrice регистрирует обработчик маркировочной цены
func (r *Replay) SubscribeMarkPrice(_ context.Context, symbol string, handler func(models.MarkPrice)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markHandlers[symbol] = append(r.markHandlers[symbol], handler)
	return nil
}

// GetEquity возвращает кэш + нереализованный PNL открытых позиций
func (r *Replay) GetEquity(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	equity := r.cash
	for sym, p := range r.positions {
		equity += utils.CalculatePNL(string(p.Side), p.EntryPrice, r.marks[sym], p.Size)
	}
	return equity, nil
}

// PlaceOrder открывает позицию по последней маркировочной цене
func (r *Replay) PlaceOrder(_ context.Context, req OrderRequest) (*Fill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.consumeFailure(req.Symbol); err != nil {
		return nil, err
	}
	if _, ok := r.positions[req.Symbol]; ok {
		return nil, &ExchangeError{Exchange: r.Name(), Message: "position already open for " + req.Symbol, Original: ErrOrderRejected}
	}
	mark := r.marks[req.Symbol]
	if mark <= 0 {
		return nil, &ExchangeError{Exchange: r.Name(), Message: "no mark price for " + req.Symbol, Original: ErrOrderRejected}
	}
	if req.Leverage < 1 || req.Leverage > r.cfg.MaxLeverage {
		return nil, &ExchangeError{Exchange: r.Name(), Message: fmt.Sprintf("leverage %d out of range", req.Leverage), Original: ErrOrderRejected}
	}

	qty := utils.RoundToLotSize(req.Quantity, r.cfg.QtyStep)
	if qty <= 0 || qty < r.cfg.MinOrderQty {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuantity, req.Quantity)
	}

	price := mark * (1 + r.cfg.Slippage*req.Side.Sign())
	notional := price * qty
	fee := notional * r.cfg.FeeRate
	if notional/float64(req.Leverage)+fee > r.cash {
		return nil, &ExchangeError{Exchange: r.Name(), Message: "margin is insufficient", Original: ErrInsufficientFunds}
	}

	r.cash -= fee
	r.fees += fee
	now := r.nowLocked(req.Symbol)
	r.positions[req.Symbol] = &Position{
		Symbol:           req.Symbol,
		Side:             req.Side,
		Size:             qty,
		EntryPrice:       price,
		Leverage:         req.Leverage,
		LiquidationPrice: risk.LiquidationPrice(req.Side, price, req.Leverage, r.cfg.MaintenanceMarginRate),
		UpdatedAt:        now,
	}
	return r.recordFill(req.Symbol, req.Side, qty, price, fee, now), nil
}

// ClosePosition закрывает позицию по последней маркировочной цене
func (r *Replay) ClosePosition(_ context.Context, symbol string) (*Fill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.consumeFailure(symbol); err != nil {
		return nil, err
	}
	p, ok := r.positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}

	price := r.marks[symbol] * (1 - r.cfg.Slippage*p.Side.Sign())
	fee := price * p.Size * r.cfg.FeeRate
	pnl := utils.CalculatePNL(string(p.Side), p.EntryPrice, price, p.Size)
	r.cash += pnl - fee
	r.fees += fee
	delete(r.positions, symbol)

	return r.recordFill(symbol, p.Side, p.Size, price, fee, r.nowLocked(symbol)), nil
}

// ReducePosition закрывает qty позиции по последней маркировочной цене.
// qty не меньше размера позиции закрывает её целиком.
func (r *Replay) ReducePosition(_ context.Context, symbol string, qty float64) (*Fill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.consumeFailure(symbol); err != nil {
		return nil, err
	}
	p, ok := r.positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}

	qty = utils.RoundToLotSize(qty, r.cfg.QtyStep)
	if qty <= 0 || qty < r.cfg.MinOrderQty {
		return nil, fmt.Errorf("%w: reduce %v", ErrInvalidQuantity, qty)
	}
	rest := utils.SubLots(p.Size, qty, r.cfg.QtyStep)
	if rest <= 0 {
		qty, rest = p.Size, 0
	}

	price := r.marks[symbol] * (1 - r.cfg.Slippage*p.Side.Sign())
	fee := price * qty * r.cfg.FeeRate
	pnl := utils.CalculatePNL(string(p.Side), p.EntryPrice, price, qty)
	r.cash += pnl - fee
	r.fees += fee

	now := r.nowLocked(symbol)
	if rest == 0 {
		delete(r.positions, symbol)
	} else {
		p.Size = rest
		p.UpdatedAt = now
	}
	return r.recordFill(symbol, p.Side, qty, price, fee, now), nil
}

// GetPosition возвращает позицию с текущей маркировочной ценой
func (r *Replay) GetPosition(_ context.Context, symbol string) (*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	cp := *p
	cp.MarkPrice = r.marks[symbol]
	cp.UnrealizedPnl = utils.CalculatePNL(string(p.Side), p.EntryPrice, cp.MarkPrice, p.Size)
	return &cp, nil
}

// GetLimits возвращает лимиты из конфигурации симуляции
func (r *Replay) GetLimits(_ context.Context, symbol string) (*Limits, error) {
	return &Limits{
		Symbol:      symbol,
		MinOrderQty: r.cfg.MinOrderQty,
		QtyStep:     r.cfg.QtyStep,
		MaxLeverage: r.cfg.MaxLeverage,
	}, nil
}

// Close ничего не делает
func (r *Replay) Close() error { return nil }

func (r *Replay) consumeFailure(symbol string) error {
	if r.failNext <= 0 {
		return nil
	}
	r.failNext--
	return &ExchangeError{Exchange: r.Name(), Code: "-1001", Message: "simulated failure for " + symbol, Original: ErrOrderRejected}
}

// nowLocked - время симуляции: открытие текущего бара символа
func (r *Replay) nowLocked(symbol string) time.Time {
	s := r.series[symbol]
	if r.cursor == 0 || len(s) == 0 {
		return time.Time{}
	}
	idx := r.cursor - 1
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx].OpenTime
}

func (r *Replay) recordFill(symbol string, side models.Side, qty, price, fee float64, at time.Time) *Fill {
	r.orderSeq++
	f := Fill{
		OrderID:   "replay-" + strconv.FormatInt(r.orderSeq, 10),
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		AvgPrice:  price,
		Fee:       fee,
		Timestamp: at,
	}
	r.fills = append(r.fills, f)
	return &f
}
