package models

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// ============ Bar Tests ============

func TestBar_Valid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		bar   Bar
		valid bool
	}{
		{"normal", Bar{OpenTime: now, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10}, true},
		{"zero volume", Bar{OpenTime: now, Open: 100, High: 100, Low: 100, Close: 100, Volume: 0}, true},
		{"negative volume", Bar{OpenTime: now, Open: 100, High: 101, Low: 99, Close: 100, Volume: -1}, false},
		{"nan close", Bar{OpenTime: now, Open: 100, High: 101, Low: 99, Close: math.NaN(), Volume: 1}, false},
		{"inf high", Bar{OpenTime: now, Open: 100, High: math.Inf(1), Low: 99, Close: 100, Volume: 1}, false},
		{"high below low", Bar{OpenTime: now, Open: 100, High: 98, Low: 99, Close: 100, Volume: 1}, false},
		{"zero close", Bar{OpenTime: now, Open: 0, High: 0, Low: 0, Close: 0, Volume: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bar.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, ожидали %v", got, tt.valid)
			}
		})
	}
}

func TestBar_Prices(t *testing.T) {
	b := Bar{High: 12, Low: 6, Close: 9}

	if got := b.TypicalPrice(); got != 9 {
		t.Errorf("TypicalPrice: ожидали 9, получили %f", got)
	}
	if got := b.HL2(); got != 9 {
		t.Errorf("HL2: ожидали 9, получили %f", got)
	}
}

// ============ Direction / Side Tests ============

func TestDirection_Opposite(t *testing.T) {
	if DirectionLong.Opposite() != DirectionShort {
		t.Error("long.Opposite() должен быть short")
	}
	if DirectionShort.Opposite() != DirectionLong {
		t.Error("short.Opposite() должен быть long")
	}
	if DirectionFlat.Opposite() != DirectionFlat {
		t.Error("flat.Opposite() должен остаться flat")
	}
}

func TestSide_Conversions(t *testing.T) {
	if DirectionLong.Side() != SideLong || DirectionShort.Side() != SideShort {
		t.Error("неверное преобразование Direction → Side")
	}
	if SideLong.Direction() != DirectionLong || SideShort.Direction() != DirectionShort {
		t.Error("неверное преобразование Side → Direction")
	}
	if SideLong.Sign() != 1 || SideShort.Sign() != -1 {
		t.Error("неверный знак стороны")
	}
}

func TestSignal_Actionable(t *testing.T) {
	if (Signal{Direction: DirectionFlat}).Actionable() {
		t.Error("flat сигнал не должен быть торгуемым")
	}
	if !(Signal{Direction: DirectionShort, Strength: 0.75}).Actionable() {
		t.Error("short сигнал должен быть торгуемым")
	}
}

// ============ Position Tests ============

func TestPosition_UnrealizedPnl(t *testing.T) {
	long := Position{Side: SideLong, EntryPrice: 100, Quantity: 2}
	short := Position{Side: SideShort, EntryPrice: 100, Quantity: 2}

	if got := long.UnrealizedPnl(110); got != 20 {
		t.Errorf("long PNL: ожидали 20, получили %f", got)
	}
	if got := short.UnrealizedPnl(110); got != -20 {
		t.Errorf("short PNL: ожидали -20, получили %f", got)
	}
	if got := long.Notional(); got != 200 {
		t.Errorf("Notional: ожидали 200, получили %f", got)
	}
}

func TestPosition_StopAndTakeProfit(t *testing.T) {
	tests := []struct {
		name      string
		pos       Position
		price     float64
		wantStop  bool
		wantTaken bool
	}{
		{"long between", Position{Side: SideLong, StopLossPrice: 95, TakeProfitPrice: 110}, 100, false, false},
		{"long stop", Position{Side: SideLong, StopLossPrice: 95, TakeProfitPrice: 110}, 95, true, false},
		{"long tp", Position{Side: SideLong, StopLossPrice: 95, TakeProfitPrice: 110}, 111, false, true},
		{"short stop", Position{Side: SideShort, StopLossPrice: 105, TakeProfitPrice: 90}, 106, true, false},
		{"short tp", Position{Side: SideShort, StopLossPrice: 105, TakeProfitPrice: 90}, 90, false, true},
		{"levels unset", Position{Side: SideLong}, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.StopTouched(tt.price); got != tt.wantStop {
				t.Errorf("StopTouched(%v) = %v, ожидали %v", tt.price, got, tt.wantStop)
			}
			if got := tt.pos.TakeProfitTouched(tt.price); got != tt.wantTaken {
				t.Errorf("TakeProfitTouched(%v) = %v, ожидали %v", tt.price, got, tt.wantTaken)
			}
		})
	}
}

func floatEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPosition_NextTakeProfit(t *testing.T) {
	pos := Position{
		Side: SideLong,
		TakeProfits: []TakeProfitLevel{
			{Price: 102, Fraction: 0.3},
			{Price: 104, Fraction: 0.3},
		},
	}
	if _, ok := pos.NextTakeProfit(101); ok {
		t.Error("NextTakeProfit(101): ступень не достигнута")
	}
	if i, ok := pos.NextTakeProfit(105); !ok || i != 0 {
		t.Errorf("NextTakeProfit(105) = %d, %v, ожидали 0, true", i, ok)
	}

	pos.TakeProfits[0].Filled = true
	if i, ok := pos.NextTakeProfit(103); ok {
		t.Errorf("NextTakeProfit(103) = %d: вторая ступень ещё не достигнута", i)
	}
	if i, ok := pos.NextTakeProfit(104); !ok || i != 1 {
		t.Errorf("NextTakeProfit(104) = %d, %v, ожидали 1, true", i, ok)
	}

	pos.TakeProfits[1].Filled = true
	if _, ok := pos.NextTakeProfit(200); ok {
		t.Error("все ступени исполнены")
	}

	short := Position{Side: SideShort, TakeProfits: []TakeProfitLevel{{Price: 98, Fraction: 0.5}}}
	if i, ok := short.NextTakeProfit(97.5); !ok || i != 0 {
		t.Errorf("short NextTakeProfit(97.5) = %d, %v", i, ok)
	}
}

func TestPosition_TrailStop(t *testing.T) {
	pos := Position{Side: SideLong, EntryPrice: 100, StopLossPrice: 98, TrailingStopPct: 0.02, TrailingFrom: 102}

	if pos.TrailStop(101.5) {
		t.Error("трейлинг до цены активации")
	}
	if !pos.TrailStop(103) || !floatEq(pos.StopLossPrice, 100.94) {
		t.Errorf("стоп после 103 = %v, ожидали 100.94", pos.StopLossPrice)
	}
	// откат цены стоп не опускает
	if pos.TrailStop(102.5) || !floatEq(pos.StopLossPrice, 100.94) {
		t.Errorf("стоп после отката = %v", pos.StopLossPrice)
	}
	if !pos.TrailStop(110) || !floatEq(pos.StopLossPrice, 107.8) {
		t.Errorf("стоп после 110 = %v, ожидали 107.8", pos.StopLossPrice)
	}

	short := Position{Side: SideShort, EntryPrice: 100, StopLossPrice: 102, TrailingStopPct: 0.01}
	if !short.TrailStop(99) || !floatEq(short.StopLossPrice, 99.99) {
		t.Errorf("short стоп = %v, ожидали 99.99", short.StopLossPrice)
	}
	if short.TrailStop(99.5) {
		t.Error("short стоп не должен подниматься")
	}

	off := Position{Side: SideLong, StopLossPrice: 98}
	if off.TrailStop(150) {
		t.Error("трейлинг выключен")
	}
}

func TestPosition_CloneLadder(t *testing.T) {
	pos := Position{TakeProfits: []TakeProfitLevel{{Price: 1}}}
	cp := pos.Clone()
	cp.TakeProfits[0].Filled = true
	if pos.TakeProfits[0].Filled {
		t.Error("Clone разделяет лестницу с оригиналом")
	}
}

// ============ RiskParameters / TradeRecord Tests ============

func TestRiskParameters_Permitted(t *testing.T) {
	if (RiskParameters{PositionSizeFraction: 0, Leverage: 5}).Permitted() {
		t.Error("нулевой размер не должен разрешать сделку")
	}
	if (RiskParameters{PositionSizeFraction: 0.1, Leverage: 0}).Permitted() {
		t.Error("плечо 0 не должно разрешать сделку")
	}
	if !(RiskParameters{PositionSizeFraction: 0.1, Leverage: 3}).Permitted() {
		t.Error("валидные параметры должны разрешать сделку")
	}
}

func TestTradeRecord_JSON(t *testing.T) {
	rec := TradeRecord{
		ID:     "abc",
		Symbol: "BTCUSDT",
		Side:   SideShort,
		Pnl:    -3.5,
		Reason: ExitReasonLiquidationCritical,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"side":"short"`, `"reason":"liquidation-critical"`, `"pnl":-3.5`} {
		if !strings.Contains(s, want) {
			t.Errorf("в JSON нет %s: %s", want, s)
		}
	}
	if rec.IsWin() {
		t.Error("убыточная сделка не должна быть IsWin")
	}
}

// ============ Errors Tests ============

func TestErrors_Unwrap(t *testing.T) {
	base := errors.New("boom")

	var err error = &DataError{Symbol: "ETHUSDT", Reason: "out of order", Err: base}
	if !errors.Is(err, base) {
		t.Error("DataError должен раскрываться до исходной ошибки")
	}

	err = &ExecutionError{Op: "place_order", Symbol: "ETHUSDT", Attempts: 2, Timeout: true, Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("ExecutionError должен раскрываться до context.DeadlineExceeded")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("сообщение должно содержать 'timed out': %s", err)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Attempts != 2 {
		t.Error("errors.As должен извлекать ExecutionError")
	}
}

func TestLiquidationCriticalError_Message(t *testing.T) {
	err := &LiquidationCriticalError{Symbol: "BTCUSDT", Distance: 0.025, MarkPrice: 100, LiqPrice: 97.5}
	if !strings.Contains(err.Error(), "2.50%") {
		t.Errorf("неожиданное сообщение: %s", err)
	}
}

func TestAllNotificationKinds(t *testing.T) {
	kinds := AllNotificationKinds()
	seen := make(map[string]bool)
	for _, k := range kinds {
		if seen[k] {
			t.Errorf("дубликат типа %s", k)
		}
		seen[k] = true
	}
	for _, required := range []string{NotificationEntry, NotificationExit, NotificationLiquidationWarning, NotificationLiquidationCritical, NotificationError} {
		if !seen[required] {
			t.Errorf("нет обязательного типа %s", required)
		}
	}
}
