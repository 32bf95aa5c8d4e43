package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на zap
//
// Функции:
// - InitLogger: создать logger (json/text, уровень, файл)
// - InitGlobalLogger / L: глобальный logger процесса
// - Info/Warn/Error/Debug (+f): логирование через глобальный logger
// - Конструкторы полей торгового домена: Symbol, Side, State, Price ...

// LogConfig - настройки логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу (пусто = только stderr)
	Development bool
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт logger по конфигурации.
// Если файл недоступен - пишет только в stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var consoleEncoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	// Файл всегда в JSON (для последующего разбора)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			cores = []zapcore.Core{
				zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
			}
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(zapcore.NewTee(cores...), opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// InitGlobalLogger создаёт logger и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный logger
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный logger, создавая его по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// With возвращает дочерний logger с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// WithComponent - logger компонента (engine, notifier, api ...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithSymbol - logger инструмента
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithTradeID - logger конкретной сделки
func (l *Logger) WithTradeID(id string) *Logger {
	return l.With(TradeID(id))
}

// Sugar возвращает sugared logger (printf-стиль)
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { L().Logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { L().Logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Logger.Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{}) { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// Sync сбрасывает буферы глобального logger
func Sync() {
	_ = L().Logger.Sync()
}

// ============================================================
// Поля торгового домена
// ============================================================

func Symbol(v string) zap.Field { return zap.String("symbol", v) }
func Side(v string) zap.Field { return zap.String("side", v) }
func State(v string) zap.Field { return zap.String("state", v) }
func Price(v float64) zap.Field { return zap.Float64("price", v) }
func Quantity(v float64) zap.Field { return zap.Float64("quantity", v) }
func Leverage(v int) zap.Field { return zap.Int("leverage", v) }
func PNL(v float64) zap.Field { return zap.Float64("pnl", v) }
func Strength(v float64) zap.Field { return zap.Float64("strength", v) }
func AlertLevel(v string) zap.Field { return zap.String("alert_level", v) }
func Distance(v float64) zap.Field { return zap.Float64("liq_distance", v) }
func TradeID(v string) zap.Field { return zap.String("trade_id", v) }
func OrderID(v string) zap.Field { return zap.String("order_id", v) }
func Reason(v string) zap.Field { return zap.String("reason", v) }
func Component(v string) zap.Field { return zap.String("component", v) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func Elapsed(d time.Duration) zap.Field { return zap.Duration("elapsed", d) }

// Переэкспорт базовых конструкторов zap
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)
