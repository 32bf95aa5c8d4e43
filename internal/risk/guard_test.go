package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresbot/internal/models"
)

func assertRule(t *testing.T, err error, rule string) {
	t.Helper()
	var rv *models.RiskViolationError
	require.True(t, errors.As(err, &rv), "expected RiskViolationError, got %v", err)
	assert.Equal(t, rule, rv.Rule)
}

func strongSignal() models.Signal {
	return models.Signal{Direction: models.DirectionLong, Strength: 0.75}
}

func TestGuard_MinStrength(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())

	err := g.Allow(GuardInput{Signal: models.Signal{Direction: models.DirectionLong, Strength: 0.25}})
	assertRule(t, err, RuleMinStrength)

	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal()}))
}

func TestGuard_DailyLossLimit(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	g.ResetDay(1000)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.RecordTrade(-30, now)
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Now: now}))

	g.RecordTrade(-20, now)
	assertRule(t, g.Allow(GuardInput{Signal: strongSignal(), Now: now}), RuleDailyLoss)
	assert.Equal(t, -50.0, g.DailyPnl())

	g.ResetDay(950)
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Now: now}))
}

func TestGuard_Cooldown(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.Cooldown = 5 * time.Minute
	g := NewGuard(cfg)

	exit := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.RecordTrade(5, exit)

	assertRule(t, g.Allow(GuardInput{Signal: strongSignal(), Now: exit.Add(time.Minute)}), RuleCooldown)
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Now: exit.Add(5 * time.Minute)}))
}

func TestGuard_VolatilityCap(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	assertRule(t, g.Allow(GuardInput{Signal: strongSignal(), Volatility: 0.06}), RuleVolatilityCap)
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Volatility: 0.01}))
}

func TestGuard_VolumeSpike(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())

	bars := make([]models.Bar, 21)
	for i := range bars {
		bars[i] = models.Bar{Close: 100, High: 100, Low: 100, Volume: 100}
	}
	bars[20].Volume = 350

	assertRule(t, g.Allow(GuardInput{Signal: strongSignal(), Bars: bars}), RuleVolumeSpike)

	bars[20].Volume = 250
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Bars: bars}))

	// Недостаточно баров - фильтр не срабатывает
	assert.NoError(t, g.Allow(GuardInput{Signal: strongSignal(), Bars: bars[:5]}))
}
