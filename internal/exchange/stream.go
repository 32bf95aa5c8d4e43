package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

// StreamConfig конфигурация переподключения стримов
type StreamConfig struct {
	// Начальная задержка перед переподключением
	InitialDelay time.Duration
	// Максимальная задержка (после exponential backoff)
	MaxDelay time.Duration
	// Максимальное количество попыток подряд (0 = бесконечно)
	MaxRetries int
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию: 1s, 2s, 4s ... 60s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   0,
	}
}

// StreamState состояние WebSocket стрима
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServeFunc запускает стрим. doneC закрывается при разрыве,
// закрытие stopC останавливает стрим (контракт go-binance WsXxxServe).
type ServeFunc func() (doneC, stopC chan struct{}, err error)

// ErrStreamRetriesExhausted - превышено число попыток переподключения
var ErrStreamRetriesExhausted = errors.New("stream reconnect retries exhausted")

// StreamSupervisor держит стрим живым: переподключает его с
// exponential backoff до отмены контекста.
type StreamSupervisor struct {
	name   string
	config StreamConfig
	logger *zap.Logger

	state      int32 // atomic StreamState
	retryCount int32 // atomic
	reconnects int64 // atomic

	onConnect    func()
	onDisconnect func(error)
}

// NewStreamSupervisor создаёт супервизор для стрима name ("BTCUSDT@kline_1m")
func NewStreamSupervisor(name string, config StreamConfig, logger *zap.Logger) *StreamSupervisor {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &StreamSupervisor{
		name:   name,
		config: config,
		logger: logger.With(utils.Component("stream"), zap.String("stream", name)),
	}
}

// SetOnConnect устанавливает callback на подключение
func (s *StreamSupervisor) SetOnConnect(fn func()) { s.onConnect = fn }

// SetOnDisconnect устанавливает callback на разрыв
func (s *StreamSupervisor) SetOnDisconnect(fn func(error)) { s.onDisconnect = fn }

// State возвращает текущее состояние
func (s *StreamSupervisor) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// Reconnects возвращает количество переподключений
func (s *StreamSupervisor) Reconnects() int64 {
	return atomic.LoadInt64(&s.reconnects)
}

func (s *StreamSupervisor) setState(st StreamState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Run держит стрим до отмены ctx. Блокирующий вызов.
func (s *StreamSupervisor) Run(ctx context.Context, serve ServeFunc) error {
	b := retry.Config{
		InitialDelay: s.config.InitialDelay,
		MaxDelay:     s.config.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}.Backoff()

	defer s.setState(StreamClosed)

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StreamConnecting)
		doneC, stopC, err := serve()
		if err == nil {
			atomic.StoreInt32(&s.retryCount, 0)
			b.Reset()
			s.setState(StreamConnected)
			s.logger.Info("stream connected")
			if s.onConnect != nil {
				s.onConnect()
			}

			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				s.logger.Info("stream stopped")
				return nil
			case <-doneC:
				err = fmt.Errorf("stream %s closed by remote", s.name)
			}
		}

		s.setState(StreamReconnecting)
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}

		retries := atomic.AddInt32(&s.retryCount, 1)
		if s.config.MaxRetries > 0 && int(retries) > s.config.MaxRetries {
			s.logger.Error("stream reconnect retries exhausted", zap.Error(err), zap.Int32("retries", retries))
			return fmt.Errorf("%s: %w: %v", s.name, ErrStreamRetriesExhausted, err)
		}

		delay := b.Duration()
		s.logger.Warn("stream disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay), zap.Int32("retry", retries))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		atomic.AddInt64(&s.reconnects, 1)
	}
}
