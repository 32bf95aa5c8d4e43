package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/ratelimit"
	"futuresbot/pkg/utils"
)

// BinanceConfig настройки клиента Binance USDⓈ-M futures
type BinanceConfig struct {
	APIKey      string
	APISecret   string
	Testnet     bool
	MarginType  string  // ISOLATED или CROSSED
	WeightRate  float64 // вес запросов в секунду
	WeightBurst int
	HTTP        HTTPClientConfig
	Stream      StreamConfig
}

// Веса REST запросов Binance futures
const (
	weightKlines       = 5
	weightBalance      = 5
	weightOrder        = 1
	weightPositionRisk = 5
	weightExchangeInfo = 1
	weightLeverage     = 1
)

// binance API код "No need to change margin type"
const codeMarginTypeUnchanged = -4046

// Binance - live клиент на github.com/adshao/go-binance/v2/futures
type Binance struct {
	client  *futures.Client
	http    *HTTPClient
	limiter *ratelimit.MultiLimiter
	cfg     BinanceConfig
	logger  *zap.Logger

	mu        sync.Mutex
	limits    map[string]*Limits
	leverage  map[string]int
	marginSet map[string]bool
}

// NewBinance создаёт клиент Binance
func NewBinance(cfg BinanceConfig, logger *zap.Logger) *Binance {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	if cfg.WeightRate <= 0 {
		cfg.WeightRate = 20
	}
	if cfg.HTTP.ConnectTimeout == 0 {
		cfg.HTTP = DefaultHTTPClientConfig()
	}
	if cfg.Stream.InitialDelay == 0 {
		cfg.Stream = DefaultStreamConfig()
	}
	if cfg.MarginType == "" {
		cfg.MarginType = string(futures.MarginTypeIsolated)
	}
	if logger == nil {
		logger = utils.L().Logger
	}

	hc := NewHTTPClient(cfg.HTTP)
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = hc.Client()

	limiter := ratelimit.NewMultiLimiter()
	limiter.Add("rest", cfg.WeightRate, cfg.WeightBurst)

	return &Binance{
		client:    client,
		http:      hc,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.With(utils.Component("binance")),
		limits:    make(map[string]*Limits),
		leverage:  make(map[string]int),
		marginSet: make(map[string]bool),
	}
}

// Name возвращает имя клиента
func (b *Binance) Name() string { return "binance" }

func (b *Binance) wait(ctx context.Context, weight int) error {
	if err := b.http.WaitWeight(ctx, weight); err != nil {
		return err
	}
	return b.limiter.WaitN(ctx, "rest", weight)
}

// SyncTime выравнивает локальное время с сервером биржи
func (b *Binance) SyncTime(ctx context.Context) error {
	if err := b.wait(ctx, 1); err != nil {
		return err
	}
	_, err := b.client.NewSetServerTimeService().Do(ctx)
	return b.wrap("sync time", err)
}

// GetBars возвращает последние закрытые свечи
func (b *Binance) GetBars(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error) {
	if err := b.wait(ctx, weightKlines); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		return nil, b.wrap("get klines", err)
	}

	now := time.Now()
	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		// последняя свеча ещё не закрыта
		if time.UnixMilli(k.CloseTime).After(now) {
			continue
		}
		bar, err := parseBar(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// SubscribeBars подписывается на закрытые свечи <symbol>@kline_<interval>
func (b *Binance) SubscribeBars(ctx context.Context, symbol, interval string, handler func(models.Bar)) error {
	name := strings.ToLower(symbol) + "@kline_" + interval
	sup := NewStreamSupervisor(name, b.cfg.Stream, b.logger)

	serve := func() (chan struct{}, chan struct{}, error) {
		return futures.WsKlineServe(symbol, interval, func(ev *futures.WsKlineEvent) {
			if !ev.Kline.IsFinal {
				return
			}
			bar, err := klineEventToBar(ev)
			if err != nil {
				b.logger.Warn("bad kline event", utils.Symbol(symbol), zap.Error(err))
				return
			}
			handler(bar)
		}, func(err error) {
			b.logger.Warn("kline stream error", utils.Symbol(symbol), zap.Error(err))
		})
	}

	go func() {
		if err := sup.Run(ctx, serve); err != nil {
			b.logger.Error("kline stream stopped", utils.Symbol(symbol), zap.Error(err))
		}
	}()
	return nil
}

// SubscribeMarkPrice подписывается на <symbol>@markPrice
func (b *Binance) SubscribeMarkPrice(ctx context.Context, symbol string, handler func(models.MarkPrice)) error {
	name := strings.ToLower(symbol) + "@markPrice"
	sup := NewStreamSupervisor(name, b.cfg.Stream, b.logger)

	serve := func() (chan struct{}, chan struct{}, error) {
		return futures.WsMarkPriceServe(symbol, func(ev *futures.WsMarkPriceEvent) {
			price, err := strconv.ParseFloat(ev.MarkPrice, 64)
			if err != nil {
				b.logger.Warn("bad mark price event", utils.Symbol(symbol), zap.Error(err))
				return
			}
			handler(models.MarkPrice{
				Symbol:    ev.Symbol,
				Price:     price,
				Timestamp: utils.FromUnixMillis(ev.Time),
			})
		}, func(err error) {
			b.logger.Warn("mark price stream error", utils.Symbol(symbol), zap.Error(err))
		})
	}

	go func() {
		if err := sup.Run(ctx, serve); err != nil {
			b.logger.Error("mark price stream stopped", utils.Symbol(symbol), zap.Error(err))
		}
	}()
	return nil
}

// GetEquity возвращает USDT баланс + нереализованный PNL
func (b *Binance) GetEquity(ctx context.Context) (float64, error) {
	if err := b.wait(ctx, weightBalance); err != nil {
		return 0, err
	}
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, b.wrap("get balance", err)
	}
	for _, bal := range balances {
		if bal.Asset != "USDT" {
			continue
		}
		wallet, err := strconv.ParseFloat(bal.Balance, 64)
		if err != nil {
			return 0, fmt.Errorf("parse balance: %w", err)
		}
		upnl, _ := strconv.ParseFloat(bal.CrossUnPnl, 64)
		return wallet + upnl, nil
	}
	return 0, &ExchangeError{Exchange: b.Name(), Message: "USDT balance not found"}
}

// PlaceOrder выставляет рыночный ордер на вход (с установкой плеча)
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	limits, err := b.GetLimits(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := utils.RoundToLotSize(req.Quantity, limits.QtyStep)
	if qty <= 0 || qty < limits.MinOrderQty {
		return nil, fmt.Errorf("%w: %v < min %v", ErrInvalidQuantity, req.Quantity, limits.MinOrderQty)
	}

	if err := b.ensureMarginType(ctx, req.Symbol); err != nil {
		return nil, err
	}
	if err := b.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	side := futures.SideTypeBuy
	if req.Side == models.SideShort {
		side = futures.SideTypeSell
	}
	return b.marketOrder(ctx, req.Symbol, side, utils.FormatQuantity(qty, limits.QtyStep), req.Side, false)
}

// ClosePosition закрывает позицию reduce-only рыночным ордером
func (b *Binance) ClosePosition(ctx context.Context, symbol string) (*Fill, error) {
	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	side := futures.SideTypeSell
	if pos.Side == models.SideShort {
		side = futures.SideTypeBuy
	}
	return b.marketOrder(ctx, symbol, side, utils.FormatQuantity(pos.Size, limits.QtyStep), pos.Side, true)
}

// ReducePosition закрывает qty позиции reduce-only рыночным ордером
func (b *Binance) ReducePosition(ctx context.Context, symbol string, qty float64) (*Fill, error) {
	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty = utils.RoundToLotSize(math.Min(qty, pos.Size), limits.QtyStep)
	if qty <= 0 || qty < limits.MinOrderQty {
		return nil, fmt.Errorf("%w: reduce %v < min %v", ErrInvalidQuantity, qty, limits.MinOrderQty)
	}

	side := futures.SideTypeSell
	if pos.Side == models.SideShort {
		side = futures.SideTypeBuy
	}
	return b.marketOrder(ctx, symbol, side, utils.FormatQuantity(qty, limits.QtyStep), pos.Side, true)
}

func (b *Binance) marketOrder(ctx context.Context, symbol string, side futures.SideType, qty string, posSide models.Side, reduceOnly bool) (*Fill, error) {
	if err := b.wait(ctx, weightOrder); err != nil {
		return nil, err
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(reduceOnly).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, b.wrap("create order", err)
	}
	if resp.Status == futures.OrderStatusTypeRejected || resp.Status == futures.OrderStatusTypeExpired {
		return nil, fmt.Errorf("%w: %s status %s", ErrOrderRejected, symbol, resp.Status)
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if avg == 0 && executed > 0 {
		quote, _ := strconv.ParseFloat(resp.CumQuote, 64)
		avg = quote / executed
	}

	return &Fill{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:    symbol,
		Side:      posSide,
		Quantity:  executed,
		AvgPrice:  avg,
		Timestamp: utils.FromUnixMillis(resp.UpdateTime),
	}, nil
}

func (b *Binance) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	current := b.leverage[symbol]
	b.mu.Unlock()
	if current == leverage {
		return nil
	}

	if err := b.wait(ctx, weightLeverage); err != nil {
		return err
	}
	if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return b.wrap("change leverage", err)
	}

	b.mu.Lock()
	b.leverage[symbol] = leverage
	b.mu.Unlock()
	return nil
}

func (b *Binance) ensureMarginType(ctx context.Context, symbol string) error {
	b.mu.Lock()
	done := b.marginSet[symbol]
	b.mu.Unlock()
	if done {
		return nil
	}

	if err := b.wait(ctx, weightLeverage); err != nil {
		return err
	}
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginType(b.cfg.MarginType)).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); !ok || apiErr.Code != codeMarginTypeUnchanged {
			return b.wrap("change margin type", err)
		}
	}

	b.mu.Lock()
	b.marginSet[symbol] = true
	b.mu.Unlock()
	return nil
}

// GetPosition возвращает позицию по символу (one-way mode)
func (b *Binance) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := b.wait(ctx, weightPositionRisk); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.wrap("get position risk", err)
	}
	for _, r := range risks {
		pos, err := positionFromRisk(r)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			return pos, nil
		}
	}
	return nil, ErrNoPosition
}

// GetLimits возвращает лимиты символа из exchangeInfo (кешируется)
func (b *Binance) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	b.mu.Lock()
	cached, ok := b.limits[symbol]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	if err := b.wait(ctx, weightExchangeInfo); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, b.wrap("exchange info", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range info.Symbols {
		s := info.Symbols[i]
		b.limits[s.Symbol] = limitsFromSymbol(s)
	}
	if l, ok := b.limits[symbol]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// Close закрывает idle соединения HTTP клиента
func (b *Binance) Close() error {
	b.http.Close()
	return nil
}

func (b *Binance) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	e := &ExchangeError{Exchange: b.Name(), Message: op + ": " + err.Error(), Original: err}
	if apiErr, ok := err.(*common.APIError); ok {
		e.Code = strconv.FormatInt(apiErr.Code, 10)
		e.Message = op + ": " + apiErr.Message
		// -2019 Margin is insufficient
		if apiErr.Code == -2019 {
			e.Original = fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
	}
	return e
}

// ============================================================
// Преобразование ответов
// ============================================================

func parseBar(openTime int64, open, high, low, close, volume string) (models.Bar, error) {
	vals := make([]float64, 5)
	for i, s := range []string{open, high, low, close, volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("parse %q: %w", s, err)
		}
		vals[i] = v
	}
	return models.Bar{
		OpenTime: utils.FromUnixMillis(openTime),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func klineEventToBar(ev *futures.WsKlineEvent) (models.Bar, error) {
	k := ev.Kline
	return parseBar(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume)
}

func positionFromRisk(r *futures.PositionRisk) (*Position, error) {
	amt, err := strconv.ParseFloat(r.PositionAmt, 64)
	if err != nil {
		return nil, fmt.Errorf("parse position amount: %w", err)
	}
	if amt == 0 {
		return nil, nil
	}

	entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
	mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
	liq, _ := strconv.ParseFloat(r.LiquidationPrice, 64)
	upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
	lev, _ := strconv.Atoi(r.Leverage)

	side := models.SideLong
	if amt < 0 {
		side = models.SideShort
	}
	return &Position{
		Symbol:           r.Symbol,
		Side:             side,
		Size:             math.Abs(amt),
		EntryPrice:       entry,
		MarkPrice:        mark,
		Leverage:         lev,
		LiquidationPrice: liq,
		UnrealizedPnl:    upnl,
		UpdatedAt:        time.Now(),
	}, nil
}

func limitsFromSymbol(s futures.Symbol) *Limits {
	l := &Limits{Symbol: s.Symbol, MaxLeverage: 125}
	if f := s.LotSizeFilter(); f != nil {
		l.MinOrderQty, _ = strconv.ParseFloat(f.MinQuantity, 64)
		l.MaxOrderQty, _ = strconv.ParseFloat(f.MaxQuantity, 64)
		l.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
	}
	if f := s.PriceFilter(); f != nil {
		l.PriceStep, _ = strconv.ParseFloat(f.TickSize, 64)
	}
	if f := s.MinNotionalFilter(); f != nil {
		l.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
	}
	return l
}
