package liquidation

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresbot/internal/models"
)

func longPos() models.Position {
	return models.Position{Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Quantity: 1, Leverage: 10, LiquidationPrice: 90}
}

// markAt возвращает mark price с заданным расстоянием до ликвидации 90 для long
func markAt(d float64) float64 {
	return 90 / (1 - d)
}

func TestDistance(t *testing.T) {
	pos := longPos()
	assert.InDelta(t, 0.1, Distance(pos, 100), 1e-12)
	assert.InDelta(t, 0.05, Distance(pos, markAt(0.05)), 1e-12)
	assert.Equal(t, 0.0, Distance(pos, 89), "цена за ликвидацией")

	short := models.Position{Side: models.SideShort, EntryPrice: 100, LiquidationPrice: 110}
	assert.InDelta(t, 0.1, Distance(short, 100), 1e-12)
	assert.Equal(t, 0.0, Distance(short, 111))
}

func TestMonitor_RawLevels(t *testing.T) {
	tests := []struct {
		distance float64
		level    Level
	}{
		{0.30, LevelSafe},
		{0.151, LevelSafe},
		{0.14, LevelWatch},
		{0.079, LevelWarning},
		{0.029, LevelCritical},
		{0, LevelCritical},
	}

	for _, tt := range tests {
		m := NewMonitor(DefaultConfig())
		e, err := m.Evaluate(longPos(), markAt(tt.distance))
		require.NoError(t, err)
		assert.Equal(t, tt.level, e.Level, "distance %.3f", tt.distance)
		assert.Equal(t, tt.level == LevelCritical, e.RequiresAction)
	}
}

func TestMonitor_EscalationImmediate(t *testing.T) {
	m := NewMonitor(DefaultConfig())

	e, err := m.Evaluate(longPos(), markAt(0.5))
	require.NoError(t, err)
	assert.Equal(t, LevelSafe, e.Level)
	assert.False(t, e.Changed)

	e, _ = m.Evaluate(longPos(), markAt(0.02))
	assert.Equal(t, LevelCritical, e.Level)
	assert.True(t, e.Changed)
	assert.True(t, e.Escalated())
	assert.True(t, e.RequiresAction)
}

func TestMonitor_HysteresisDeescalation(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	pos := longPos()

	e, _ := m.Evaluate(pos, markAt(0.07))
	require.Equal(t, LevelWarning, e.Level)

	// выше порога warning, но внутри гистерезиса
	e, _ = m.Evaluate(pos, markAt(0.085))
	assert.Equal(t, LevelWarning, e.Level)
	e, _ = m.Evaluate(pos, markAt(0.099))
	assert.Equal(t, LevelWarning, e.Level)

	// 8% + 2 п.п.
	e, _ = m.Evaluate(pos, markAt(0.1001))
	assert.Equal(t, LevelWatch, e.Level)
	assert.True(t, e.Changed)
	assert.False(t, e.Escalated())
}

func TestMonitor_DeescalatesOneStepPerTick(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	pos := longPos()

	e, _ := m.Evaluate(pos, markAt(0.01))
	require.Equal(t, LevelCritical, e.Level)

	expected := []Level{LevelWarning, LevelWatch, LevelSafe, LevelSafe}
	for i, want := range expected {
		e, _ = m.Evaluate(pos, markAt(0.5))
		assert.Equal(t, want, e.Level, "tick %d", i)
		if i > 0 {
			assert.LessOrEqual(t, int(e.Previous-e.Level), 1)
		}
	}
}

func TestMonitor_NoFlappingOnOscillation(t *testing.T) {
	thresholds := map[string]float64{"watch": 0.15, "warning": 0.08, "critical": 0.03}

	for name, th := range thresholds {
		t.Run(name, func(t *testing.T) {
			m := NewMonitor(DefaultConfig())
			pos := longPos()

			// начальный уровень чуть выше порога
			_, err := m.Evaluate(pos, markAt(th+0.006))
			require.NoError(t, err)

			changes := 0
			for i := 0; i < 200; i++ {
				// шум ±0.5 п.п. вокруг порога
				d := th + 0.005*math.Sin(float64(i))
				e, err := m.Evaluate(pos, markAt(d))
				require.NoError(t, err)
				if e.Changed {
					changes++
				}
			}
			assert.Equal(t, 1, changes, "уровень должен измениться один раз (эскалация) и не мигать")
		})
	}
}

func TestMonitor_InvalidMark(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	pos := longPos()
	_, _ = m.Evaluate(pos, markAt(0.05))
	require.Equal(t, LevelWarning, m.Level())

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		e, err := m.Evaluate(pos, bad)
		var dataErr *models.DataError
		assert.True(t, errors.As(err, &dataErr), "mark %v", bad)
		assert.Equal(t, LevelWarning, e.Level)
	}
	assert.Equal(t, LevelWarning, m.Level())
}

func TestMonitor_Reset(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	_, _ = m.Evaluate(longPos(), markAt(0.01))
	require.Equal(t, LevelCritical, m.Level())

	m.Reset()
	assert.Equal(t, LevelSafe, m.Level())
}

func TestCriticalError(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	pos := longPos()
	e, _ := m.Evaluate(pos, 91)

	err := CriticalError(pos, e)
	assert.Equal(t, "BTCUSDT", err.Symbol)
	assert.Equal(t, 90.0, err.LiqPrice)
	assert.Contains(t, err.Error(), "1.10%")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.WarningPct = 0.2
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.HysteresisMargin = -0.01
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.NotifyLevel = "panic"
	assert.ErrorContains(t, bad.Validate(), "notify_level")

	bad = DefaultConfig()
	bad.NotifyLevel = "safe"
	assert.ErrorContains(t, bad.Validate(), "notify_level")
}

func TestLevelString(t *testing.T) {
	for _, l := range []Level{LevelSafe, LevelWatch, LevelWarning, LevelCritical} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}

	got, err := ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, got)

	_, err = ParseLevel("emergency")
	assert.Error(t, err)
}

func TestConfigNotifyAt(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelWarning},
		{"watch", LevelWatch},
		{"Critical", LevelCritical},
		{"safe", LevelWarning},
		{"bogus", LevelWarning},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.NotifyLevel = tt.in
		assert.Equal(t, tt.want, cfg.NotifyAt(), "notify_level %q", tt.in)
	}
}

// ============================================================
// Predictor
// ============================================================

func TestRiskScore(t *testing.T) {
	assert.InDelta(t, 0.5, RiskScore(longPos(), 95), 1e-12)
	assert.Equal(t, 0.0, RiskScore(longPos(), 120))
	assert.Equal(t, 1.0, RiskScore(longPos(), 85))

	short := models.Position{Side: models.SideShort, EntryPrice: 100, LiquidationPrice: 110}
	assert.InDelta(t, 0.5, RiskScore(short, 105), 1e-12)
}

func TestPredictor_TimeToLiquidation(t *testing.T) {
	p := NewPredictor(10)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p.Observe(models.MarkPrice{Price: 100, Timestamp: t0})
	p.Observe(models.MarkPrice{Price: 99, Timestamp: t0.Add(10 * time.Second)})
	// точка не по порядку игнорируется
	p.Observe(models.MarkPrice{Price: 50, Timestamp: t0.Add(5 * time.Second)})

	d, ok := p.TimeToLiquidation(longPos())
	require.True(t, ok)
	assert.InDelta(t, float64(90*time.Second), float64(d), float64(time.Millisecond))

	// цена растёт - от ликвидации long
	p.Reset()
	p.Observe(models.MarkPrice{Price: 99, Timestamp: t0})
	p.Observe(models.MarkPrice{Price: 100, Timestamp: t0.Add(time.Second)})
	_, ok = p.TimeToLiquidation(longPos())
	assert.False(t, ok)
}

func TestPredictor_HistoryBounded(t *testing.T) {
	p := NewPredictor(3)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		p.Observe(models.MarkPrice{Price: float64(100 - i), Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, p.prices, 3)
	assert.Equal(t, 91.0, p.prices[2])
}
