package signal

import (
	"futuresbot/internal/indicator"
	"futuresbot/internal/models"
)

// Config пороги голосования индикаторов
type Config struct {
	RSIOversold   float64 `yaml:"rsi_oversold"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
}

// DefaultConfig возвращает пороги по умолчанию (30 / 70)
func DefaultConfig() Config {
	return Config{RSIOversold: 30, RSIOverbought: 70}
}

// Имена индикаторов в голосах
const (
	IndicatorSuperTrend = "supertrend"
	IndicatorRSI        = "rsi"
	IndicatorVWAP       = "vwap"
	IndicatorOBV        = "obv"
)

// voter - чистая функция голоса одного индикатора
type voter struct {
	name string
	vote func(cfg Config, s indicator.Snapshot) models.Direction
}

var voters = []voter{
	{IndicatorSuperTrend, voteSuperTrend},
	{IndicatorRSI, voteRSI},
	{IndicatorVWAP, voteVWAP},
	{IndicatorOBV, voteOBV},
}

func voteSuperTrend(_ Config, s indicator.Snapshot) models.Direction {
	return s.SuperTrendDirection
}

func voteRSI(cfg Config, s indicator.Snapshot) models.Direction {
	switch {
	case s.RSI < cfg.RSIOversold:
		return models.DirectionLong
	case s.RSI > cfg.RSIOverbought:
		return models.DirectionShort
	default:
		return models.DirectionFlat
	}
}

func voteVWAP(_ Config, s indicator.Snapshot) models.Direction {
	switch {
	case s.Close > s.VWAP:
		return models.DirectionLong
	case s.Close < s.VWAP:
		return models.DirectionShort
	default:
		return models.DirectionFlat
	}
}

func voteOBV(_ Config, s indicator.Snapshot) models.Direction {
	switch {
	case s.OBVSlopeSign > 0:
		return models.DirectionLong
	case s.OBVSlopeSign < 0:
		return models.DirectionShort
	default:
		return models.DirectionFlat
	}
}

// Reconciler сводит голоса индикаторов в один сигнал.
// Скрытого состояния нет: результат зависит только от снимка.
type Reconciler struct {
	cfg Config
}

// NewReconciler создаёт Reconciler
func NewReconciler(cfg Config) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// Reconcile возвращает сигнал по снимку индикаторов.
//
// Направление - большинство среди не нейтральных голосов,
// flat при равенстве, отсутствии голосов или незавершённом прогреве.
// Сила = голоса за направление / число индикаторов.
func (r *Reconciler) Reconcile(s indicator.Snapshot) models.Signal {
	return Reconcile(r.cfg, s)
}

// Reconcile - функциональная форма Reconciler.Reconcile
func Reconcile(cfg Config, s indicator.Snapshot) models.Signal {
	sig := models.Signal{
		Direction: models.DirectionFlat,
		Timestamp: s.OpenTime,
	}
	if s.InsufficientHistory {
		return sig
	}

	votes := make([]models.Vote, 0, len(voters))
	long, short := 0, 0
	for _, v := range voters {
		d := v.vote(cfg, s)
		votes = append(votes, models.Vote{Indicator: v.name, Direction: d})
		switch d {
		case models.DirectionLong:
			long++
		case models.DirectionShort:
			short++
		}
	}
	sig.Votes = votes

	agree := 0
	switch {
	case long > short:
		sig.Direction = models.DirectionLong
		agree = long
	case short > long:
		sig.Direction = models.DirectionShort
		agree = short
	default:
		return sig
	}

	strength := float64(agree) / float64(len(voters))
	if strength > 1 {
		strength = 1
	}
	sig.Strength = strength
	return sig
}
