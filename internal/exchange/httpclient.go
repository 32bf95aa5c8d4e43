// Package exchange предоставляет биржевой клиент торгового ядра.
package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HTTPClientConfig - транспорт REST API биржи
type HTTPClientConfig struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	TotalTimeout          time.Duration // предел запроса, если у ctx нет дедлайна
	TLSHandshakeTimeout   time.Duration
	KeepAlive             time.Duration

	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// WeightLimit - лимит веса запросов за минуту на IP (Binance futures: 2400).
	// 0 отключает ожидание по заголовку X-MBX-USED-WEIGHT-1M.
	WeightLimit int
}

// DefaultHTTPClientConfig возвращает параметры по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		TotalTimeout:          30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		WeightLimit:           2400,
	}
}

// usedWeightHeader - вес, израсходованный за текущую минуту
const usedWeightHeader = "X-Mbx-Used-Weight-1m"

// HTTPClient - пул соединений к REST API и учёт израсходованного веса.
// Передаётся в go-binance вместо http.DefaultClient.
type HTTPClient struct {
	client *http.Client
	cfg    HTTPClientConfig

	mu     sync.Mutex
	used   int
	usedAt time.Time
	now    func() time.Time
}

// NewHTTPClient создаёт клиент
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	hc := &HTTPClient{cfg: cfg, now: time.Now}
	hc.client = &http.Client{
		Transport: &weightTransport{base: base, hc: hc},
		Timeout:   cfg.TotalTimeout,
	}
	return hc
}

// Client возвращает http.Client для SDK биржи
func (hc *HTTPClient) Client() *http.Client {
	return hc.client
}

// UsedWeight возвращает вес, израсходованный в текущей минуте
func (hc *HTTPClient) UsedWeight() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !sameMinute(hc.usedAt, hc.now()) {
		return 0
	}
	return hc.used
}

// WaitWeight блокируется до следующей минуты, если запрос весом weight
// превысит минутный лимит
func (hc *HTTPClient) WaitWeight(ctx context.Context, weight int) error {
	if hc.cfg.WeightLimit <= 0 || hc.UsedWeight()+weight <= hc.cfg.WeightLimit {
		return nil
	}
	now := hc.now()
	wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hc *HTTPClient) observe(resp *http.Response) {
	v := resp.Header.Get(usedWeightHeader)
	if v == "" {
		return
	}
	used, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	hc.mu.Lock()
	hc.used = used
	hc.usedAt = hc.now()
	hc.mu.Unlock()
}

// Close закрывает idle соединения
func (hc *HTTPClient) Close() {
	hc.client.CloseIdleConnections()
}

func sameMinute(a, b time.Time) bool {
	return !a.IsZero() && a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}

// weightTransport читает заголовок веса из каждого ответа
type weightTransport struct {
	base http.RoundTripper
	hc   *HTTPClient
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		t.hc.observe(resp)
	}
	return resp, err
}

// CloseIdleConnections пробрасывается к базовому транспорту
func (t *weightTransport) CloseIdleConnections() {
	if c, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
