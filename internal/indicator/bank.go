package indicator

import (
	"fmt"
	"time"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// Config параметры индикаторов
type Config struct {
	WindowSize           int           `yaml:"window_size"`
	SuperTrendPeriod     int           `yaml:"supertrend_period"`
	SuperTrendMultiplier float64       `yaml:"supertrend_multiplier"`
	RSIPeriod            int           `yaml:"rsi_period"`
	OBVSlopeLookback     int           `yaml:"obv_slope_lookback"`
	Session              utils.Session `yaml:"-"`
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		WindowSize:           200,
		SuperTrendPeriod:     10,
		SuperTrendMultiplier: 3,
		RSIPeriod:            14,
		OBVSlopeLookback:     5,
		Session:              utils.Session{Kind: "daily", Location: time.UTC},
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	switch {
	case c.SuperTrendPeriod < 1:
		return fmt.Errorf("%w: supertrend period must be >= 1", ErrInvalidConfig)
	case c.SuperTrendMultiplier <= 0:
		return fmt.Errorf("%w: supertrend multiplier must be > 0", ErrInvalidConfig)
	case c.RSIPeriod < 1:
		return fmt.Errorf("%w: rsi period must be >= 1", ErrInvalidConfig)
	case c.OBVSlopeLookback < 1:
		return fmt.Errorf("%w: obv slope lookback must be >= 1", ErrInvalidConfig)
	case c.WindowSize < c.Warmup():
		return fmt.Errorf("%w: window size %d is smaller than warm-up %d", ErrInvalidConfig, c.WindowSize, c.Warmup())
	}
	return nil
}

// Warmup - количество баров до первого торгуемого снимка
func (c Config) Warmup() int {
	w := c.SuperTrendPeriod + 1
	if c.RSIPeriod+1 > w {
		w = c.RSIPeriod + 1
	}
	if c.OBVSlopeLookback+1 > w {
		w = c.OBVSlopeLookback + 1
	}
	return w
}

// Snapshot - значения всех индикаторов на закрытии бара
type Snapshot struct {
	OpenTime            time.Time        `json:"open_time"`
	Close               float64          `json:"close"`
	SuperTrendDirection models.Direction `json:"supertrend_direction"`
	SuperTrendLevel     float64          `json:"supertrend_level"`
	RSI                 float64          `json:"rsi"`
	VWAP                float64          `json:"vwap"`
	OBV                 float64          `json:"obv"`
	OBVSlopeSign        int              `json:"obv_slope_sign"`
	ATR                 float64          `json:"atr"`
	InsufficientHistory bool             `json:"insufficient_history"`
}

// Bank - набор потоковых индикаторов одного инструмента.
//
// Бары должны приходить строго по возрастанию времени. Бар не по порядку
// или с невалидными значениями отклоняется до обновления состояния.
// Не потокобезопасен: вызывается из event loop инструмента.
type Bank struct {
	cfg    Config
	symbol string

	window     *Window
	superTrend *SuperTrend
	rsi        *RSI
	vwap       *VWAP
	obv        *OBV

	lastTime time.Time
	count    int
}

// NewBank создаёт банк индикаторов
func NewBank(symbol string, cfg Config) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bank{
		cfg:        cfg,
		symbol:     symbol,
		window:     NewWindow(cfg.WindowSize),
		superTrend: NewSuperTrend(cfg.SuperTrendPeriod, cfg.SuperTrendMultiplier),
		rsi:        NewRSI(cfg.RSIPeriod),
		vwap:       NewVWAP(cfg.Session),
		obv:        NewOBV(cfg.OBVSlopeLookback),
	}, nil
}

// OnBar обрабатывает закрытый бар и возвращает снимок индикаторов.
// При ошибке (*models.DataError) состояние не меняется.
func (b *Bank) OnBar(bar models.Bar) (Snapshot, error) {
	if !bar.Valid() {
		return Snapshot{}, &models.DataError{
			Symbol: b.symbol,
			Reason: fmt.Sprintf("invalid bar at %s", bar.OpenTime.Format(time.RFC3339)),
			Err:    ErrInvalidBar,
		}
	}
	if b.count > 0 && !bar.OpenTime.After(b.lastTime) {
		return Snapshot{}, &models.DataError{
			Symbol: b.symbol,
			Reason: fmt.Sprintf("bar %s is not after %s",
				bar.OpenTime.Format(time.RFC3339), b.lastTime.Format(time.RFC3339)),
			Err: ErrOutOfOrderBar,
		}
	}

	dir, level, stReady := b.superTrend.Update(bar)
	rsi, rsiReady := b.rsi.Update(bar.Close)
	vwap := b.vwap.Update(bar)
	obv := b.obv.Update(bar.Close, bar.Volume)

	b.window.Push(bar)
	b.lastTime = bar.OpenTime
	b.count++

	return Snapshot{
		OpenTime:            bar.OpenTime,
		Close:               bar.Close,
		SuperTrendDirection: dir,
		SuperTrendLevel:     level,
		RSI:                 rsi,
		VWAP:                vwap,
		OBV:                 obv,
		OBVSlopeSign:        b.obv.Slope(),
		ATR:                 b.superTrend.ATR(),
		InsufficientHistory: !(stReady && rsiReady && b.obv.Ready()),
	}, nil
}

// Bars возвращает копию окна баров (от старого к новому)
func (b *Bank) Bars() []models.Bar {
	return b.window.Bars()
}

// Count возвращает количество принятых баров
func (b *Bank) Count() int {
	return b.count
}

// Warmup возвращает длину прогрева
func (b *Bank) Warmup() int {
	return b.cfg.Warmup()
}

// LastTime возвращает время последнего принятого бара
func (b *Bank) LastTime() time.Time {
	return b.lastTime
}

// Reset сбрасывает все индикаторы и окно
func (b *Bank) Reset() {
	b.window.Reset()
	b.superTrend.Reset()
	b.rsi.Reset()
	b.vwap.Reset()
	b.obv.Reset()
	b.lastTime = time.Time{}
	b.count = 0
}
