package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedClients - список поддерживаемых клиентов
var SupportedClients = []string{
	"binance",
	"replay",
}

// Options - параметры создания клиента
type Options struct {
	Binance BinanceConfig
	Replay  ReplayConfig
	Logger  *zap.Logger
}

// NewClient создает клиент биржи по имени
func NewClient(name string, opts Options) (Client, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(opts.Binance, opts.Logger), nil
	case "replay":
		return NewReplay(opts.Replay), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли клиент
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedClients {
		if name == supported {
			return true
		}
	}
	return false
}
