package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultAPIURL - базовый адрес Telegram Bot API
const DefaultAPIURL = "https://api.telegram.org"

// ErrNotConfigured - не задан токен бота или chat id
var ErrNotConfigured = errors.New("telegram: bot token or chat id not configured")

// Config параметры Telegram бота
type Config struct {
	BotToken string
	ChatID   string
	ProxyURL string
	APIURL   string        // пусто = DefaultAPIURL
	Timeout  time.Duration // таймаут одного запроса
	Retry    retry.Config
}

// Telegram отправляет уведомления через Telegram Bot API.
// Реализует service.Sender.
type Telegram struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewTelegram создаёт отправителя с опциональным прокси
func NewTelegram(cfg Config, logger *zap.Logger) (*Telegram, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = retry.Config{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     8 * time.Second,
			Multiplier:   2,
		}
	}
	if logger == nil {
		logger = utils.L().Logger
	}

	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &Telegram{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With(utils.Component("telegram")),
	}, nil
}

// Send форматирует уведомление и отправляет с повторами
func (t *Telegram) Send(ctx context.Context, notif *models.Notification) error {
	return t.SendText(ctx, Format(notif))
}

// SendText отправляет готовый HTML текст с повторами.
// 4xx кроме 429 не повторяется.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	cfg := t.cfg.Retry
	cfg.RetryIf = retry.RetryIfNotContext
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.logger.Warn("telegram send failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return retry.Do(ctx, func() error {
		return t.post(ctx, text)
	}, cfg)
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"` // секунды, при 429
	} `json:"parameters"`
}

func (t *Telegram) post(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.cfg.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// url.Error содержит токен в адресе
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var ar apiResponse
	_ = json.Unmarshal(respBody, &ar)
	apiErr := fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, ar.Description)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.After(apiErr, time.Duration(ar.Parameters.RetryAfter)*time.Second)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(apiErr)
	}
	return apiErr
}
