package bot

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// ============================================================
// Mock биржевого клиента
// ============================================================

type mockClient struct {
	mu sync.Mutex

	equity   float64
	limits   exchange.Limits
	price    float64 // цена исполнения, 0 = цена бара
	liqPrice float64 // цена ликвидации позиции на бирже, 0 = неизвестна
	history  []models.Bar

	placeErrs     []error
	closeErrs     []error
	placeDelay    time.Duration
	fillOnTimeout bool

	position    *exchange.Position
	placeCalls  int
	closeCalls  int
	reduceCalls int
	reduced     []float64
	overlap     bool
}

func newMockClient() *mockClient {
	return &mockClient{
		equity: 10000,
		limits: exchange.Limits{Symbol: "BTCUSDT", QtyStep: 0.001, MinOrderQty: 0.001, MaxLeverage: 125},
	}
}

func (m *mockClient) Name() string { return "mock" }

func (m *mockClient) GetBars(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.history
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]models.Bar(nil), bars...), nil
}

func (m *mockClient) SubscribeBars(ctx context.Context, symbol, interval string, handler func(models.Bar)) error {
	return nil
}

func (m *mockClient) SubscribeMarkPrice(ctx context.Context, symbol string, handler func(models.MarkPrice)) error {
	return nil
}

func (m *mockClient) GetEquity(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}

func (m *mockClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	m.mu.Lock()
	m.placeCalls++
	if m.position != nil {
		m.overlap = true
		m.mu.Unlock()
		return nil, exchange.ErrOrderRejected
	}
	if m.placeDelay > 0 {
		if m.fillOnTimeout {
			m.position = m.open(req)
		}
		delay := m.placeDelay
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		return nil, err
	}
	m.position = m.open(req)
	return &exchange.Fill{OrderID: "1", Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, AvgPrice: m.price}, nil
}

func (m *mockClient) open(req exchange.OrderRequest) *exchange.Position {
	return &exchange.Position{
		Symbol:           req.Symbol,
		Side:             req.Side,
		Size:             req.Quantity,
		EntryPrice:       m.price,
		Leverage:         req.Leverage,
		LiquidationPrice: m.liqPrice,
	}
}

func (m *mockClient) ClosePosition(ctx context.Context, symbol string) (*exchange.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if len(m.closeErrs) > 0 {
		err := m.closeErrs[0]
		m.closeErrs = m.closeErrs[1:]
		return nil, err
	}
	if m.position == nil {
		return nil, exchange.ErrNoPosition
	}
	fill := &exchange.Fill{OrderID: "2", Symbol: symbol, Side: m.position.Side, Quantity: m.position.Size, AvgPrice: m.price}
	m.position = nil
	return fill, nil
}

func (m *mockClient) ReducePosition(ctx context.Context, symbol string, qty float64) (*exchange.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reduceCalls++
	if m.position == nil {
		return nil, exchange.ErrNoPosition
	}
	m.reduced = append(m.reduced, qty)
	fill := &exchange.Fill{OrderID: "3", Symbol: symbol, Side: m.position.Side, Quantity: math.Min(qty, m.position.Size), AvgPrice: m.price}
	if rest := utils.SubLots(m.position.Size, qty, m.limits.QtyStep); rest > 0 {
		m.position.Size = rest
	} else {
		m.position = nil
	}
	return fill, nil
}

func (m *mockClient) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.position == nil {
		return nil, exchange.ErrNoPosition
	}
	p := *m.position
	return &p, nil
}

func (m *mockClient) GetLimits(ctx context.Context, symbol string) (*exchange.Limits, error) {
	l := m.limits
	return &l, nil
}

func (m *mockClient) Close() error { return nil }

func (m *mockClient) dropPosition() {
	m.mu.Lock()
	m.position = nil
	m.mu.Unlock()
}

// ============================================================
// Хелперы
// ============================================================

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testPipelineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig("BTCUSDT", "1m")
	cfg.Controller.OrderTimeout = 50 * time.Millisecond
	cfg.Controller.EquityTimeout = 50 * time.Millisecond
	cfg.Controller.ExitMaxRetries = 2
	cfg.Controller.ExitInitialDelay = time.Millisecond
	cfg.Controller.ExitMaxDelay = 2 * time.Millisecond
	return cfg
}

// trendBars строит монотонный тренд: каждый бар закрывается на step выше открытия
func trendBars(from time.Time, n int, open, step float64) []models.Bar {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		closePrice := open + step
		hi, lo := closePrice, open
		if step < 0 {
			hi, lo = open, closePrice
		}
		bars = append(bars, models.Bar{
			OpenTime: from.Add(time.Duration(i) * time.Minute),
			Open:     open,
			High:     hi + 0.25,
			Low:      lo - 0.25,
			Close:    closePrice,
			Volume:   10,
		})
		open = closePrice
	}
	return bars
}

type harness struct {
	t             *testing.T
	ctl           *Controller
	client        *mockClient
	notifications chan *models.Notification
	trades        chan *models.TradeRecord
	bars          []models.Bar
	next          int
}

func newHarness(t *testing.T, client *mockClient) *harness {
	t.Helper()
	return newHarnessWith(t, client, testPipelineConfig(), 16, nil)
}

// newHarnessWith - harness со своим конфигом, буфером сделок и logger
func newHarnessWith(t *testing.T, client *mockClient, cfg PipelineConfig, tradeBuffer int, logger *zap.Logger) *harness {
	t.Helper()
	h := &harness{
		t:             t,
		client:        client,
		notifications: make(chan *models.Notification, 64),
		trades:        make(chan *models.TradeRecord, tradeBuffer),
		bars:          trendBars(testStart, 200, 100, 0.5),
	}
	ctl, err := NewController(cfg, ControllerDeps{
		Client:        client,
		Logger:        logger,
		Notifications: h.notifications,
		Trades:        h.trades,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	h.ctl = ctl
	return h
}

// open подаёт бары восходящего тренда пока контроллер не откроет позицию
func (h *harness) open() models.Position {
	h.t.Helper()
	for h.next < 40 {
		bar := h.bars[h.next]
		h.next++
		if err := h.ctl.OnBar(context.Background(), bar); err != nil {
			h.t.Fatalf("OnBar(%d) error = %v", h.next, err)
		}
		if h.ctl.State() == models.StateOpen {
			rt := h.ctl.Snapshot()
			if rt.Position == nil {
				h.t.Fatal("state OPEN without position")
			}
			return *rt.Position
		}
	}
	h.t.Fatalf("no entry after %d bars, state %s", h.next, h.ctl.State())
	return models.Position{}
}

func (h *harness) mark(price float64) error {
	ts := h.bars[h.next-1].OpenTime.Add(30 * time.Second)
	return h.ctl.OnMark(context.Background(), models.MarkPrice{Symbol: "BTCUSDT", Price: price, Timestamp: ts})
}

func (h *harness) trade() *models.TradeRecord {
	h.t.Helper()
	select {
	case tr := <-h.trades:
		return tr
	default:
		h.t.Fatal("expected trade record")
		return nil
	}
}

func (h *harness) hasNotification(kind string) bool {
	for {
		select {
		case n := <-h.notifications:
			if n.Kind == kind {
				return true
			}
		default:
			return false
		}
	}
}

// ============================================================
// Тесты
// ============================================================

func TestController_EntryThenTakeProfit(t *testing.T) {
	h := newHarness(t, newMockClient())
	pos := h.open()

	if pos.Side != models.SideLong {
		t.Fatalf("side = %s, want long", pos.Side)
	}
	if pos.Leverage < 1 || pos.Quantity <= 0 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !(pos.StopLossPrice < pos.EntryPrice && pos.EntryPrice < pos.TakeProfitPrice) {
		t.Errorf("levels not ordered: sl=%v entry=%v tp=%v", pos.StopLossPrice, pos.EntryPrice, pos.TakeProfitPrice)
	}
	if pos.LiquidationPrice >= pos.StopLossPrice {
		t.Errorf("liquidation %v must be below stop %v", pos.LiquidationPrice, pos.StopLossPrice)
	}
	if !h.hasNotification(models.NotificationEntry) {
		t.Error("expected entry notification")
	}

	if err := h.mark(pos.TakeProfitPrice * 1.001); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Fatalf("state = %s, want FLAT", got)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonTakeProfit {
		t.Errorf("reason = %s, want take-profit", tr.Reason)
	}
	if tr.Pnl <= 0 {
		t.Errorf("pnl = %v, want > 0", tr.Pnl)
	}
	if tr.ClosedAt.Before(tr.OpenedAt) {
		t.Errorf("closed %v before opened %v", tr.ClosedAt, tr.OpenedAt)
	}
	if rt := h.ctl.Snapshot(); rt.Position != nil || rt.RealizedPnl != tr.Pnl {
		t.Errorf("snapshot after exit = %+v", rt)
	}
}

func TestController_StopLoss(t *testing.T) {
	h := newHarness(t, newMockClient())
	pos := h.open()

	if err := h.mark(pos.StopLossPrice * 0.999); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %s, want stop-loss", tr.Reason)
	}
	if tr.Pnl >= 0 {
		t.Errorf("pnl = %v, want < 0", tr.Pnl)
	}
}

func TestController_LiquidationCriticalExitsWithinOneCycle(t *testing.T) {
	h := newHarness(t, newMockClient())
	pos := h.open()

	if err := h.mark(pos.LiquidationPrice * 1.01); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Fatalf("state = %s, want FLAT after critical", got)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonLiquidationCritical {
		t.Errorf("reason = %s, want liquidation-critical", tr.Reason)
	}
	if !h.hasNotification(models.NotificationLiquidationCritical) {
		t.Error("expected liquidation critical notification")
	}
}

func TestController_MarkInsideRangeHolds(t *testing.T) {
	h := newHarness(t, newMockClient())
	pos := h.open()

	if err := h.mark(pos.EntryPrice); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.State(); got != models.StateOpen {
		t.Errorf("state = %s, want OPEN", got)
	}
	if h.client.closeCalls != 0 {
		t.Errorf("closeCalls = %d, want 0", h.client.closeCalls)
	}
}

func TestController_EntryFailureReturnsToFlat(t *testing.T) {
	client := newMockClient()
	client.placeErrs = []error{exchange.ErrOrderRejected, exchange.ErrOrderRejected, exchange.ErrOrderRejected}
	h := newHarness(t, client)

	var execErr *models.ExecutionError
	for h.next < 20 {
		err := h.ctl.OnBar(context.Background(), h.bars[h.next])
		h.next++
		if err != nil {
			if !errors.As(err, &execErr) {
				t.Fatalf("OnBar() error = %v, want ExecutionError", err)
			}
			break
		}
	}
	if execErr == nil {
		t.Fatal("expected entry failure")
	}
	if execErr.Op != "place_order" || execErr.Attempts != 2 {
		t.Errorf("ExecutionError = %+v", execErr)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}
	if h.ctl.Snapshot().Position != nil {
		t.Error("position must be nil after failed entry")
	}
	if !h.hasNotification(models.NotificationError) {
		t.Error("expected error notification")
	}
}

func TestController_EntryTimeoutAdoptsFilledOrder(t *testing.T) {
	client := newMockClient()
	client.placeDelay = time.Second
	client.fillOnTimeout = true
	h := newHarness(t, client)

	pos := h.open()
	if client.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1 (no duplicate order)", client.placeCalls)
	}
	if pos.Side != models.SideLong || pos.Quantity <= 0 {
		t.Errorf("adopted position = %+v", pos)
	}
	if client.overlap {
		t.Error("order placed while a position was open")
	}
}

func TestController_EntryTimeoutRetries(t *testing.T) {
	client := newMockClient()
	client.placeErrs = []error{context.DeadlineExceeded}
	h := newHarness(t, client)

	h.open()
	if client.placeCalls != 2 {
		t.Errorf("placeCalls = %d, want 2", client.placeCalls)
	}
}

func TestController_ExitFailureKeepsOpenAndRetriesNextCycle(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)
	pos := h.open()

	client.closeErrs = []error{errors.New("timeout"), errors.New("timeout")}
	err := h.ctl.ForceClose(context.Background())
	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "close_position" {
		t.Fatalf("ForceClose() error = %v, want close_position ExecutionError", err)
	}

	rt := h.ctl.Snapshot()
	if rt.State != models.StateOpen || !rt.NeedsIntervention {
		t.Fatalf("after failed exit state=%s needsIntervention=%v", rt.State, rt.NeedsIntervention)
	}
	if !h.hasNotification(models.NotificationError) {
		t.Error("expected error notification")
	}

	// следующий цикл повторяет выход
	if err := h.mark(pos.EntryPrice); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	rt = h.ctl.Snapshot()
	if rt.State != models.StateFlat || rt.NeedsIntervention {
		t.Fatalf("after retry state=%s needsIntervention=%v", rt.State, rt.NeedsIntervention)
	}
	if tr := h.trade(); tr.Reason != models.ExitReasonManual {
		t.Errorf("reason = %s, want manual", tr.Reason)
	}
	if client.closeCalls != 3 {
		t.Errorf("closeCalls = %d, want 3", client.closeCalls)
	}
}

func TestController_ExitWhenExchangeAlreadyFlat(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)
	pos := h.open()

	client.dropPosition()
	if err := h.mark(pos.StopLossPrice * 0.99); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Fatalf("state = %s, want FLAT", got)
	}
	tr := h.trade()
	if tr.ExitPrice != pos.StopLossPrice*0.99 {
		t.Errorf("exit price = %v, want mark %v", tr.ExitPrice, pos.StopLossPrice*0.99)
	}
}

func TestController_ShutdownClosesAndBlocksEntries(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)
	h.open()

	if err := h.ctl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Fatalf("state = %s, want FLAT", got)
	}
	if tr := h.trade(); tr.Reason != models.ExitReasonShutdown {
		t.Errorf("reason = %s, want shutdown", tr.Reason)
	}

	calls := client.placeCalls
	for i := 0; i < 10; i++ {
		if err := h.ctl.OnBar(context.Background(), h.bars[h.next]); err != nil {
			t.Fatalf("OnBar() error = %v", err)
		}
		h.next++
	}
	if client.placeCalls != calls {
		t.Errorf("placeCalls = %d after shutdown, want %d", client.placeCalls, calls)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}
}

func TestController_ForceCloseWhenFlat(t *testing.T) {
	h := newHarness(t, newMockClient())
	if err := h.ctl.ForceClose(context.Background()); !errors.Is(err, ErrNoOpenPosition) {
		t.Errorf("ForceClose() error = %v, want ErrNoOpenPosition", err)
	}
}

func TestController_InvalidBar(t *testing.T) {
	h := newHarness(t, newMockClient())

	var dataErr *models.DataError
	bad := models.Bar{OpenTime: testStart, Open: 1, High: 0.5, Low: 1, Close: 1}
	if err := h.ctl.OnBar(context.Background(), bad); !errors.As(err, &dataErr) {
		t.Errorf("OnBar(invalid) error = %v, want DataError", err)
	}

	if err := h.ctl.OnBar(context.Background(), h.bars[1]); err != nil {
		t.Fatalf("OnBar() error = %v", err)
	}
	if err := h.ctl.OnBar(context.Background(), h.bars[0]); !errors.As(err, &dataErr) {
		t.Errorf("OnBar(out of order) error = %v, want DataError", err)
	}
	if err := h.ctl.OnMark(context.Background(), models.MarkPrice{Price: -1}); !errors.As(err, &dataErr) {
		t.Errorf("OnMark(negative) error = %v, want DataError", err)
	}
}

func TestController_NeverTwoPositions(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)

	up := trendBars(testStart, 60, 100, 0.5)
	last := up[len(up)-1]
	down := trendBars(last.OpenTime.Add(time.Minute), 60, last.Close, -0.5)
	bars := append(up, down...)

	for _, bar := range bars {
		if err := h.ctl.OnBar(context.Background(), bar); err != nil {
			t.Fatalf("OnBar() error = %v", err)
		}
		st := h.ctl.State()
		if st == models.StateEntering || st == models.StateExiting {
			t.Fatalf("transient state %s leaked out of a cycle", st)
		}
		if err := h.ctl.OnMark(context.Background(), models.MarkPrice{Price: bar.Close, Timestamp: bar.OpenTime.Add(30 * time.Second)}); err != nil {
			t.Fatalf("OnMark() error = %v", err)
		}
	}
	if client.overlap {
		t.Error("second position opened while one was open")
	}
	if client.placeCalls == 0 {
		t.Error("expected at least one entry")
	}
}

func TestController_Recover(t *testing.T) {
	client := newMockClient()
	client.position = &exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       models.SideShort,
		Size:       0.5,
		EntryPrice: 100,
		MarkPrice:  101,
		Leverage:   5,
	}
	h := newHarness(t, client)
	h.ctl.Warmup(h.bars[:30])

	ok, err := h.ctl.Recover(context.Background())
	if err != nil || !ok {
		t.Fatalf("Recover() = %v, %v", ok, err)
	}
	rt := h.ctl.Snapshot()
	if rt.State != models.StateOpen || rt.Position == nil {
		t.Fatalf("snapshot after recover = %+v", rt)
	}
	if rt.Position.Side != models.SideShort || rt.Position.Quantity != 0.5 {
		t.Errorf("recovered position = %+v", rt.Position)
	}
	if rt.Position.LiquidationPrice <= rt.Position.EntryPrice {
		t.Errorf("short liquidation %v must be above entry", rt.Position.LiquidationPrice)
	}
	if !h.hasNotification(models.NotificationRecovery) {
		t.Error("expected recovery notification")
	}

	// повторный вызов ничего не делает
	if ok, err := h.ctl.Recover(context.Background()); ok || err != nil {
		t.Errorf("second Recover() = %v, %v", ok, err)
	}
}

func TestController_RecoverNothingOpen(t *testing.T) {
	h := newHarness(t, newMockClient())
	ok, err := h.ctl.Recover(context.Background())
	if ok || err != nil {
		t.Errorf("Recover() = %v, %v, want false, nil", ok, err)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}
}

func TestNewController_Validation(t *testing.T) {
	if _, err := NewController(testPipelineConfig(), ControllerDeps{}); err == nil {
		t.Error("expected error without client")
	}
	cfg := testPipelineConfig()
	cfg.Controller.EntryThreshold = 0
	if _, err := NewController(cfg, ControllerDeps{Client: newMockClient()}); err == nil {
		t.Error("expected error for zero entry threshold")
	}
}

// ============================================================
// Лестница тейк-профитов и трейлинг
// ============================================================

func TestController_TakeProfitLadder(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)
	pos := h.open()

	if len(pos.TakeProfits) != 2 || pos.InitialQuantity != pos.Quantity {
		t.Fatalf("position ladder = %+v, initial %v", pos.TakeProfits, pos.InitialQuantity)
	}
	step := client.limits.QtyStep
	initial := pos.Quantity
	remaining := initial
	var closed float64

	for i, lvl := range pos.TakeProfits {
		if err := h.mark(lvl.Price); err != nil {
			t.Fatalf("OnMark(tp%d) error = %v", i+1, err)
		}
		want := utils.RoundToLotSize(initial*lvl.Fraction, step)
		tr := h.trade()
		if tr.Reason != models.ExitReasonTakeProfitPartial {
			t.Errorf("tp%d reason = %s, want take-profit-partial", i+1, tr.Reason)
		}
		if math.Abs(tr.Quantity-want) > 1e-9 {
			t.Errorf("tp%d quantity = %v, want %v", i+1, tr.Quantity, want)
		}
		if tr.Pnl <= 0 {
			t.Errorf("tp%d pnl = %v, want > 0", i+1, tr.Pnl)
		}
		closed += tr.Quantity
		remaining = utils.SubLots(remaining, want, step)

		rt := h.ctl.Snapshot()
		if rt.State != models.StateOpen || rt.Position == nil {
			t.Fatalf("after tp%d snapshot = %+v", i+1, rt)
		}
		if math.Abs(rt.Position.Quantity-remaining) > 1e-9 {
			t.Errorf("after tp%d quantity = %v, want %v", i+1, rt.Position.Quantity, remaining)
		}
		if !rt.Position.TakeProfits[i].Filled {
			t.Errorf("tp%d not marked filled", i+1)
		}
	}
	if client.reduceCalls != 2 {
		t.Errorf("reduceCalls = %d, want 2", client.reduceCalls)
	}

	// повтор цены уже исполненной ступени не сокращает позицию
	if err := h.mark(pos.TakeProfits[1].Price); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if client.reduceCalls != 2 {
		t.Errorf("reduceCalls = %d after repeated level, want 2", client.reduceCalls)
	}

	if err := h.mark(pos.TakeProfitPrice * 1.001); err != nil {
		t.Fatalf("OnMark(tp) error = %v", err)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonTakeProfit {
		t.Errorf("final reason = %s, want take-profit", tr.Reason)
	}
	if math.Abs(tr.Quantity-remaining) > 1e-9 {
		t.Errorf("final quantity = %v, want remainder %v", tr.Quantity, remaining)
	}
	if math.Abs(closed+tr.Quantity-initial) > 1e-9 {
		t.Errorf("closed %v of %v", closed+tr.Quantity, initial)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}
}

func TestController_TakeProfitLadderSkippedOnFullTarget(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)
	pos := h.open()

	// цена сразу за финальной целью: закрывается вся позиция
	if err := h.mark(pos.TakeProfitPrice * 1.01); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonTakeProfit || tr.Quantity != pos.Quantity {
		t.Errorf("trade = %s %v, want full take-profit of %v", tr.Reason, tr.Quantity, pos.Quantity)
	}
	if client.reduceCalls != 0 {
		t.Errorf("reduceCalls = %d, want 0", client.reduceCalls)
	}
}

func TestController_TrailingStop(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Risk.TakeProfitLadder = nil
	cfg.Risk.TakeProfitPercentages = nil
	client := newMockClient()
	h := newHarnessWith(t, client, cfg, 16, nil)
	pos := h.open()

	if pos.TrailingStopPct <= 0 || pos.TrailingFrom <= pos.EntryPrice {
		t.Fatalf("trailing not armed: pct=%v from=%v entry=%v", pos.TrailingStopPct, pos.TrailingFrom, pos.EntryPrice)
	}

	// ниже порога активации стоп на месте
	below := (pos.EntryPrice + pos.TrailingFrom) / 2
	if err := h.mark(below); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.Snapshot().Position.StopLossPrice; got != pos.StopLossPrice {
		t.Errorf("stop moved before activation: %v, want %v", got, pos.StopLossPrice)
	}

	// полтора R прибыли: стоп подтягивается выше входа
	peak := pos.EntryPrice + 1.5*(pos.TrailingFrom-pos.EntryPrice)
	if err := h.mark(peak); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	trailed := h.ctl.Snapshot().Position.StopLossPrice
	if want := peak * (1 - pos.TrailingStopPct); math.Abs(trailed-want) > 1e-9 {
		t.Errorf("trailed stop = %v, want %v", trailed, want)
	}
	if trailed <= pos.EntryPrice {
		t.Errorf("trailed stop %v must be above entry %v", trailed, pos.EntryPrice)
	}

	// откат не опускает стоп
	if err := h.mark((peak + trailed) / 2); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if got := h.ctl.Snapshot().Position.StopLossPrice; got != trailed {
		t.Errorf("stop loosened to %v, want %v", got, trailed)
	}

	exitAt := (trailed + pos.EntryPrice) / 2
	if err := h.mark(exitAt); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	tr := h.trade()
	if tr.Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %s, want stop-loss", tr.Reason)
	}
	if tr.Pnl <= 0 {
		t.Errorf("pnl = %v, want locked-in profit", tr.Pnl)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}
}

// ============================================================
// Доставка сделок
// ============================================================

func TestController_TradeNotDeliveredIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cfg := testPipelineConfig()
	cfg.Controller.TradeSendTimeout = 20 * time.Millisecond
	client := newMockClient()
	// небуферизованный канал без читателя
	h := newHarnessWith(t, client, cfg, 0, zap.New(core))
	pos := h.open()

	start := time.Now()
	if err := h.mark(pos.StopLossPrice * 0.999); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.Controller.TradeSendTimeout {
		t.Errorf("gave up after %v, want wait of %v", elapsed, cfg.Controller.TradeSendTimeout)
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Errorf("state = %s, want FLAT", got)
	}

	entries := logs.FilterMessage("trade record not delivered").All()
	if len(entries) != 1 {
		t.Fatalf("error entries = %d, want 1", len(entries))
	}
	tr, ok := entries[0].ContextMap()["trade"].(*models.TradeRecord)
	if !ok {
		t.Fatalf("trade field = %T, want *models.TradeRecord", entries[0].ContextMap()["trade"])
	}
	if tr.Reason != models.ExitReasonStopLoss || tr.Quantity != pos.Quantity {
		t.Errorf("logged trade = %+v", tr)
	}
}

func TestController_TradeWaitsForSlowReader(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cfg := testPipelineConfig()
	cfg.Controller.TradeSendTimeout = time.Second
	client := newMockClient()
	h := newHarnessWith(t, client, cfg, 0, zap.New(core))
	pos := h.open()

	got := make(chan *models.TradeRecord, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		got <- <-h.trades
	}()
	if err := h.mark(pos.StopLossPrice * 0.999); err != nil {
		t.Fatalf("OnMark() error = %v", err)
	}

	select {
	case tr := <-got:
		if tr.Reason != models.ExitReasonStopLoss {
			t.Errorf("reason = %s, want stop-loss", tr.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trade record not received")
	}
	if n := logs.FilterMessage("trade record not delivered").Len(); n != 0 {
		t.Errorf("undelivered entries = %d, want 0", n)
	}
}

// ============================================================
// Сценарии входа
// ============================================================

// flatBars строит n баров без движения цены
func flatBars(from time.Time, n int, price float64) []models.Bar {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, models.Bar{
			OpenTime: from.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   10,
		})
	}
	return bars
}

func TestController_ScenarioFlatThenUptrend(t *testing.T) {
	client := newMockClient()
	h := newHarness(t, client)

	flat := flatBars(testStart, 50, 100)
	for _, bar := range flat {
		if err := h.ctl.OnBar(context.Background(), bar); err != nil {
			t.Fatalf("OnBar(flat) error = %v", err)
		}
	}
	if got := h.ctl.State(); got != models.StateFlat {
		t.Fatalf("state after flat = %s, want FLAT", got)
	}
	if client.placeCalls != 0 {
		t.Fatalf("placeCalls = %d during flat market, want 0", client.placeCalls)
	}

	up := trendBars(testStart.Add(50*time.Minute), 20, 100, 0.5)
	var entry models.InstrumentRuntime
	for _, bar := range up {
		if err := h.ctl.OnBar(context.Background(), bar); err != nil {
			t.Fatalf("OnBar(up) error = %v", err)
		}
		if h.ctl.State() == models.StateOpen {
			entry = h.ctl.Snapshot()
			break
		}
	}

	if entry.State != models.StateOpen || entry.Position == nil {
		t.Fatalf("no entry during uptrend, state %s", h.ctl.State())
	}
	sig := entry.LastSignal
	if sig == nil || sig.Direction != models.DirectionLong {
		t.Fatalf("entry signal = %+v, want long", sig)
	}
	long := 0
	for _, v := range sig.Votes {
		if v.Direction == models.DirectionLong {
			long++
		}
	}
	if long != 3 || len(sig.Votes) != 4 || sig.Strength != 0.75 {
		t.Errorf("votes = %+v strength %v, want 3 of 4 long", sig.Votes, sig.Strength)
	}
	if entry.Position.Side != models.SideLong || entry.Position.Quantity <= 0 {
		t.Errorf("position = %+v, want long with size", entry.Position)
	}
	if client.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", client.placeCalls)
	}
}

func TestController_EntryDoubleTimeout(t *testing.T) {
	client := newMockClient()
	client.placeDelay = time.Second
	h := newHarness(t, client)

	var execErr *models.ExecutionError
	for h.next < 40 && execErr == nil {
		err := h.ctl.OnBar(context.Background(), h.bars[h.next])
		h.next++
		if err != nil && !errors.As(err, &execErr) {
			t.Fatalf("OnBar() error = %v, want ExecutionError", err)
		}
	}
	if execErr == nil {
		t.Fatal("expected entry timeout")
	}
	if !execErr.Timeout || execErr.Op != "place_order" {
		t.Errorf("ExecutionError = %+v, want place_order timeout", execErr)
	}
	if client.placeCalls != 2 {
		t.Errorf("placeCalls = %d, want 2", client.placeCalls)
	}
	rt := h.ctl.Snapshot()
	if rt.State != models.StateFlat || rt.Position != nil {
		t.Errorf("snapshot after timeouts = %+v", rt)
	}
	if !h.hasNotification(models.NotificationError) {
		t.Error("expected error notification")
	}
}

func TestController_ExchangeLiquidationPricePreferred(t *testing.T) {
	client := newMockClient()
	client.liqPrice = 42
	h := newHarness(t, client)

	pos := h.open()
	if pos.LiquidationPrice != 42 {
		t.Errorf("liquidation = %v, want exchange value 42", pos.LiquidationPrice)
	}
}

func TestController_LiquidationNotifyLevel(t *testing.T) {
	tests := []struct {
		name     string
		notifyAt string
		distance func(cfg PipelineConfig) float64
		want     bool
	}{
		{
			name:     "watch notified at watch",
			notifyAt: "watch",
			distance: func(cfg PipelineConfig) float64 {
				return (cfg.Liquidation.WatchPct + cfg.Liquidation.WarningPct) / 2
			},
			want: true,
		},
		{
			name:     "watch silent by default",
			notifyAt: "",
			distance: func(cfg PipelineConfig) float64 {
				return (cfg.Liquidation.WatchPct + cfg.Liquidation.WarningPct) / 2
			},
			want: false,
		},
		{
			name:     "warning silent at critical",
			notifyAt: "critical",
			distance: func(cfg PipelineConfig) float64 {
				return (cfg.Liquidation.WarningPct + cfg.Liquidation.CriticalPct) / 2
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testPipelineConfig()
			cfg.Liquidation.NotifyLevel = tt.notifyAt
			client := newMockClient()
			// ликвидация далеко от входа: при открытии уровень safe
			client.liqPrice = 60
			h := newHarnessWith(t, client, cfg, 16, nil)
			h.open()
			h.hasNotification("")

			if err := h.mark(client.liqPrice / (1 - tt.distance(cfg))); err != nil {
				t.Fatalf("OnMark() error = %v", err)
			}
			if got := h.hasNotification(models.NotificationLiquidationWarning); got != tt.want {
				t.Errorf("liquidation notification = %v, want %v", got, tt.want)
			}
		})
	}
}
