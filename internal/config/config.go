package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"futuresbot/internal/bot"
	"futuresbot/internal/exchange"
	"futuresbot/internal/notifier"
	"futuresbot/internal/repository"
	"futuresbot/internal/storage"
	"futuresbot/pkg/crypto"
	"futuresbot/pkg/utils"
)

// Config содержит всю конфигурацию приложения.
//
// Источники:
// - .env и переменные окружения: инфраструктура и секреты
// - YAML файл стратегии: инструменты и параметры индикаторов/риска
type Config struct {
	Server       ServerConfig
	Database     repository.DatabaseConfig
	Security     SecurityConfig
	Logging      utils.LogConfig
	Exchange     string
	Binance      exchange.BinanceConfig
	Replay       exchange.ReplayConfig
	Telegram     notifier.Config
	Notify       NotifyConfig
	Influx       storage.Config
	Schedule     ScheduleConfig
	Engine       bot.EngineConfig
	Instruments  []bot.PipelineConfig
	StrategyFile string
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
}

// Addr возвращает адрес для net/http
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	APITokenHash   string // bcrypt хеш токена API, пусто = без авторизации
	AllowedOrigins []string
	APIRateLimit   float64 // запросов в секунду на процесс
	MasterKey      string  // ключ для значений "enc:"
}

// NotifyConfig - доставка уведомлений
type NotifyConfig struct {
	Kinds       []string
	QueueSize   int
	SendTimeout time.Duration
	Retention   time.Duration
}

// ScheduleConfig - расписания фоновых задач (cron с секундами)
type ScheduleConfig struct {
	DailyReset     string
	EquitySnapshot string
	VerifyPosition string
}

// env - переменные окружения, читаются envconfig
type env struct {
	ServerHost      string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort      int           `envconfig:"SERVER_PORT" default:"8080"`
	UseHTTPS        bool          `envconfig:"USE_HTTPS" default:"false"`
	CertFile        string        `envconfig:"CERT_FILE"`
	KeyFile         string        `envconfig:"KEY_FILE"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	DBDriver          string        `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN             string        `envconfig:"DB_DSN" default:"data/futuresbot.db"`
	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`

	APITokenHash   string   `envconfig:"API_TOKEN_HASH"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	APIRateLimit   float64  `envconfig:"API_RATE_LIMIT" default:"20"`
	MasterKey      string   `envconfig:"ENCRYPTION_KEY"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	LogOutput      string `envconfig:"LOG_OUTPUT"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`

	Exchange          string  `envconfig:"EXCHANGE" default:"binance"`
	BinanceAPIKey     string  `envconfig:"BINANCE_API_KEY"`
	BinanceAPISecret  string  `envconfig:"BINANCE_API_SECRET"`
	BinanceTestnet    bool    `envconfig:"BINANCE_TESTNET" default:"true"`
	BinanceMarginType string  `envconfig:"BINANCE_MARGIN_TYPE" default:"ISOLATED"`
	BinanceWeightRate float64 `envconfig:"BINANCE_WEIGHT_RATE" default:"20"`
	BinanceBurst      int     `envconfig:"BINANCE_WEIGHT_BURST" default:"40"`

	TelegramToken       string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      string        `envconfig:"TELEGRAM_CHAT_ID"`
	TelegramProxy       string        `envconfig:"TELEGRAM_PROXY"`
	TelegramAPIURL      string        `envconfig:"TELEGRAM_API_URL"`
	NotifyKinds         []string      `envconfig:"NOTIFY_KINDS"`
	NotifyQueueSize     int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"128"`
	NotifySendTimeout   time.Duration `envconfig:"NOTIFY_SEND_TIMEOUT" default:"10s"`
	NotifyRetention     time.Duration `envconfig:"NOTIFY_RETENTION" default:"720h"`

	InfluxURL    string `envconfig:"INFLUX_URL"`
	InfluxToken  string `envconfig:"INFLUX_TOKEN"`
	InfluxOrg    string `envconfig:"INFLUX_ORG"`
	InfluxBucket string `envconfig:"INFLUX_BUCKET" default:"futuresbot"`

	CronDailyReset     string `envconfig:"CRON_DAILY_RESET" default:"0 0 0 * * *"`
	CronEquitySnapshot string `envconfig:"CRON_EQUITY_SNAPSHOT" default:"0 */5 * * * *"`
	CronVerifyPosition string `envconfig:"CRON_VERIFY_POSITIONS" default:"30 * * * * *"`

	StrategyFile string `envconfig:"STRATEGY_FILE" default:"configs/strategy.yaml"`
}

// Load загружает конфигурацию из .env, окружения и файла стратегии
func Load() (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	strategy, err := LoadStrategy(cfg.StrategyFile)
	if err != nil {
		return nil, err
	}
	cfg.Engine = strategy.Engine
	cfg.Replay = strategy.Replay
	cfg.Instruments = strategy.Instruments

	if err := cfg.validateSecurity(); err != nil {
		return nil, fmt.Errorf("security validation failed: %w", err)
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnv загружает только окружение и расшифровывает секреты.
// Стратегия и проверки торгового режима не применяются (утилиты бэктеста).
func LoadEnv() (*Config, error) {
	// .env опционален: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	cfg := fromEnv(e)
	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv(e env) *Config {
	binance := exchange.BinanceConfig{
		APIKey:      e.BinanceAPIKey,
		APISecret:   e.BinanceAPISecret,
		Testnet:     e.BinanceTestnet,
		MarginType:  strings.ToUpper(e.BinanceMarginType),
		WeightRate:  e.BinanceWeightRate,
		WeightBurst: e.BinanceBurst,
		HTTP:        exchange.DefaultHTTPClientConfig(),
		Stream:      exchange.DefaultStreamConfig(),
	}

	telegram := notifier.Config{
		BotToken: e.TelegramToken,
		ChatID:   e.TelegramChatID,
		ProxyURL: e.TelegramProxy,
		APIURL:   e.TelegramAPIURL,
		Timeout:  e.NotifySendTimeout,
	}

	return &Config{
		Server: ServerConfig{
			Port:            e.ServerPort,
			Host:            e.ServerHost,
			UseHTTPS:        e.UseHTTPS,
			CertFile:        e.CertFile,
			KeyFile:         e.KeyFile,
			ShutdownTimeout: e.ShutdownTimeout,
		},
		Database: repository.DatabaseConfig{
			Driver:          strings.ToLower(e.DBDriver),
			DSN:             e.DBDSN,
			MaxOpenConns:    e.DBMaxOpenConns,
			MaxIdleConns:    e.DBMaxIdleConns,
			ConnMaxLifetime: e.DBConnMaxLifetime,
		},
		Security: SecurityConfig{
			APITokenHash:   e.APITokenHash,
			AllowedOrigins: e.AllowedOrigins,
			APIRateLimit:   e.APIRateLimit,
			MasterKey:      e.MasterKey,
		},
		Logging: utils.LogConfig{
			Level:       e.LogLevel,
			Format:      e.LogFormat,
			Output:      e.LogOutput,
			Development: e.LogDevelopment,
		},
		Exchange: strings.ToLower(e.Exchange),
		Binance:  binance,
		Replay:   exchange.DefaultReplayConfig(),
		Telegram: telegram,
		Notify: NotifyConfig{
			Kinds:       e.NotifyKinds,
			QueueSize:   e.NotifyQueueSize,
			SendTimeout: e.NotifySendTimeout,
			Retention:   e.NotifyRetention,
		},
		Influx: storage.Config{
			URL:    e.InfluxURL,
			Token:  e.InfluxToken,
			Org:    e.InfluxOrg,
			Bucket: e.InfluxBucket,
		},
		Schedule: ScheduleConfig{
			DailyReset:     e.CronDailyReset,
			EquitySnapshot: e.CronEquitySnapshot,
			VerifyPosition: e.CronVerifyPosition,
		},
		Engine:       bot.DefaultEngineConfig(),
		StrategyFile: e.StrategyFile,
	}
}

// openSecrets расшифровывает значения с префиксом "enc:"
func (c *Config) openSecrets() error {
	secrets := []struct {
		name  string
		value *string
	}{
		{"BINANCE_API_KEY", &c.Binance.APIKey},
		{"BINANCE_API_SECRET", &c.Binance.APISecret},
		{"TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken},
		{"INFLUX_TOKEN", &c.Influx.Token},
	}
	for _, s := range secrets {
		plain, err := crypto.OpenSecret(*s.value, c.Security.MasterKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", s.name, err)
		}
		*s.value = plain
	}
	return nil
}

// TelegramEnabled - заданы ли токен и чат
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// InfluxEnabled - задано ли подключение к InfluxDB
func (c *Config) InfluxEnabled() bool {
	return c.Influx.URL != "" && c.Influx.Token != ""
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE are required when USE_HTTPS=true")
	}

	if c.Security.MasterKey != "" {
		if err := crypto.ValidateKey([]byte(c.Security.MasterKey)); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	}

	if c.Security.APITokenHash != "" && !strings.HasPrefix(c.Security.APITokenHash, "$2") {
		return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash")
	}

	// Боевой счёт без ключей не запустится
	if c.Exchange == "binance" && !c.Binance.Testnet {
		if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required on mainnet")
		}
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %v", c.Server.ShutdownTimeout)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	if !isSupportedExchange(c.Exchange) {
		return fmt.Errorf("EXCHANGE must be one of %v, got %q", exchange.SupportedClients, c.Exchange)
	}

	switch c.Binance.MarginType {
	case "ISOLATED", "CROSSED":
	default:
		return fmt.Errorf("BINANCE_MARGIN_TYPE must be ISOLATED or CROSSED, got %q", c.Binance.MarginType)
	}

	if c.Binance.WeightRate <= 0 || c.Binance.WeightBurst < 1 {
		return fmt.Errorf("BINANCE_WEIGHT_RATE and BINANCE_WEIGHT_BURST must be positive")
	}

	if c.Security.APIRateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT cannot be negative, got %v", c.Security.APIRateLimit)
	}

	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive, got %d", c.Notify.QueueSize)
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("no instruments configured in %s", c.StrategyFile)
	}

	return nil
}

func isSupportedExchange(name string) bool {
	for _, s := range exchange.SupportedClients {
		if s == name {
			return true
		}
	}
	return false
}

// ============ Файл стратегии ============

// Strategy - содержимое файла стратегии после наложения на умолчания
type Strategy struct {
	Engine      bot.EngineConfig
	Replay      exchange.ReplayConfig
	Instruments []bot.PipelineConfig
}

// strategyFile - сырой YAML. Секции defaults и instruments
// декодируются поверх DefaultPipelineConfig, поэтому в файле
// достаточно указать только отличия.
type strategyFile struct {
	Engine      yaml.Node   `yaml:"engine"`
	Replay      yaml.Node   `yaml:"replay"`
	Defaults    yaml.Node   `yaml:"defaults"`
	Instruments []yaml.Node `yaml:"instruments"`
}

// sessionFields - граница VWAP сессии (в indicator.Config хранится разобранной)
type sessionFields struct {
	Session         string `yaml:"session"`
	SessionTimezone string `yaml:"session_timezone"`
}

// ErrNoStrategy - файл стратегии не найден
var ErrNoStrategy = errors.New("strategy file not found")

// LoadStrategy читает YAML файл стратегии
func LoadStrategy(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoStrategy, path)
		}
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	return ParseStrategy(data)
}

// ParseStrategy разбирает YAML стратегии.
//
// Порядок наложения для инструмента:
// DefaultPipelineConfig -> defaults -> запись в instruments.
func ParseStrategy(data []byte) (*Strategy, error) {
	var raw strategyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}

	s := &Strategy{
		Engine: bot.DefaultEngineConfig(),
		Replay: exchange.DefaultReplayConfig(),
	}
	if err := decodeNode(&raw.Engine, &s.Engine); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := decodeNode(&raw.Replay, &s.Replay); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	seen := make(map[string]bool, len(raw.Instruments))
	for i := range raw.Instruments {
		pc, err := buildPipeline(&raw.Defaults, &raw.Instruments[i])
		if err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		if seen[pc.Symbol] {
			return nil, fmt.Errorf("instruments[%d]: duplicate symbol %s", i, pc.Symbol)
		}
		seen[pc.Symbol] = true
		s.Instruments = append(s.Instruments, pc)
	}

	return s, nil
}

func buildPipeline(defaults, inst *yaml.Node) (bot.PipelineConfig, error) {
	pc := bot.DefaultPipelineConfig("", "1m")
	session := sessionFields{Session: "daily"}

	for _, node := range []*yaml.Node{defaults, inst} {
		if err := decodeNode(node, &pc); err != nil {
			return pc, err
		}
		if err := decodeNode(node, &session); err != nil {
			return pc, err
		}
	}

	pc.Symbol = utils.NormalizeSymbol(pc.Symbol)
	sess, err := utils.ParseSession(session.Session, session.SessionTimezone)
	if err != nil {
		return pc, err
	}
	pc.Indicator.Session = sess

	if err := pc.Validate(); err != nil {
		return pc, err
	}
	return pc, nil
}

// decodeNode декодирует узел поверх v; пустой узел ничего не меняет
func decodeNode(node *yaml.Node, v interface{}) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	return node.Decode(v)
}
