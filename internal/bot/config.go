package bot

import (
	"errors"
	"fmt"
	"time"

	"futuresbot/internal/indicator"
	"futuresbot/internal/liquidation"
	"futuresbot/internal/risk"
	"futuresbot/internal/signal"
	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

// ControllerConfig - параметры контроллера позиции
type ControllerConfig struct {
	EntryThreshold float64 `yaml:"entry_threshold"` // минимальная сила сигнала для входа
	ExitThreshold  float64 `yaml:"exit_threshold"`  // сила противоположного сигнала для выхода

	OrderTimeout time.Duration `yaml:"order_timeout"`
	EntryRetries int           `yaml:"entry_retries"` // повторов входа после первой попытки

	ExitMaxRetries   int           `yaml:"exit_max_retries"` // попыток закрытия за цикл
	ExitInitialDelay time.Duration `yaml:"exit_initial_delay"`
	ExitMaxDelay     time.Duration `yaml:"exit_max_delay"`

	EquityTimeout time.Duration `yaml:"equity_timeout"`

	// Ожидание читателя канала сделок, после него сделка пишется в лог
	TradeSendTimeout time.Duration `yaml:"trade_send_timeout"`
}

// DefaultControllerConfig возвращает параметры по умолчанию
func DefaultControllerConfig() ControllerConfig {
	exit := retry.ExitConfig()
	return ControllerConfig{
		EntryThreshold:   0.75,
		ExitThreshold:    0.5,
		OrderTimeout:     10 * time.Second,
		EntryRetries:     1,
		ExitMaxRetries:   exit.MaxRetries,
		ExitInitialDelay: exit.InitialDelay,
		ExitMaxDelay:     exit.MaxDelay,
		EquityTimeout:    5 * time.Second,
		TradeSendTimeout: 2 * time.Second,
	}
}

// Validate проверяет параметры контроллера
func (c ControllerConfig) Validate() error {
	switch {
	case c.EntryThreshold <= 0 || c.EntryThreshold > 1:
		return fmt.Errorf("entry_threshold must be in (0,1], got %v", c.EntryThreshold)
	case c.ExitThreshold <= 0 || c.ExitThreshold > 1:
		return fmt.Errorf("exit_threshold must be in (0,1], got %v", c.ExitThreshold)
	case c.OrderTimeout <= 0:
		return errors.New("order_timeout must be positive")
	case c.EntryRetries < 0:
		return errors.New("entry_retries must be >= 0")
	case c.ExitMaxRetries < 1:
		return errors.New("exit_max_retries must be >= 1")
	case c.TradeSendTimeout < 0:
		return errors.New("trade_send_timeout must be >= 0")
	}
	return nil
}

// exitRetryConfig - конфигурация retry для закрытия позиции
func (c ControllerConfig) exitRetryConfig() retry.Config {
	cfg := retry.ExitConfig()
	cfg.MaxRetries = c.ExitMaxRetries
	if c.ExitInitialDelay > 0 {
		cfg.InitialDelay = c.ExitInitialDelay
	}
	if c.ExitMaxDelay > 0 {
		cfg.MaxDelay = c.ExitMaxDelay
	}
	cfg.Jitter = true
	return cfg
}

// PipelineConfig - полная конфигурация торговли одним инструментом
type PipelineConfig struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`

	Indicator   indicator.Config   `yaml:"indicator"`
	Signal      signal.Config      `yaml:"signal"`
	Risk        risk.Config        `yaml:"risk"`
	Guard       risk.GuardConfig   `yaml:"guard"`
	Liquidation liquidation.Config `yaml:"liquidation"`
	Controller  ControllerConfig   `yaml:"controller"`

	EventBuffer int `yaml:"event_buffer"`
}

// DefaultPipelineConfig возвращает конфигурацию инструмента по умолчанию
func DefaultPipelineConfig(symbol, interval string) PipelineConfig {
	return PipelineConfig{
		Symbol:      symbol,
		Interval:    interval,
		Indicator:   indicator.DefaultConfig(),
		Signal:      signal.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Guard:       risk.DefaultGuardConfig(),
		Liquidation: liquidation.DefaultConfig(),
		Controller:  DefaultControllerConfig(),
		EventBuffer: 1024,
	}
}

// Validate проверяет конфигурацию инструмента
func (c PipelineConfig) Validate() error {
	if err := utils.ValidateSymbol(c.Symbol); err != nil {
		return err
	}
	if err := utils.ValidateInterval(c.Interval); err != nil {
		return err
	}
	if err := c.Indicator.Validate(); err != nil {
		return fmt.Errorf("%s indicator: %w", c.Symbol, err)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("%s risk: %w", c.Symbol, err)
	}
	if err := c.Liquidation.Validate(); err != nil {
		return fmt.Errorf("%s liquidation: %w", c.Symbol, err)
	}
	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("%s controller: %w", c.Symbol, err)
	}
	return nil
}
