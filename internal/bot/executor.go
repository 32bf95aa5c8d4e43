package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

// Executor - исполнитель ордеров одного инструмента.
//
// Вход: PlaceOrder с таймаутом, EntryRetries повторов. Перед повтором
// проверяется позиция на бирже: ордер мог исполниться несмотря на таймаут.
// Выход и частичный выход: ClosePosition / ReducePosition с таймаутом
// на попытку и exponential backoff.
type Executor struct {
	client exchange.Client
	cfg    ControllerConfig
	logger *zap.Logger
}

// NewExecutor создаёт исполнитель
func NewExecutor(client exchange.Client, cfg ControllerConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &Executor{client: client, cfg: cfg, logger: logger}
}

// Enter открывает позицию. При неудаче возвращает *models.ExecutionError.
func (e *Executor) Enter(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	attempts := 1 + e.cfg.EntryRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		fill, err := e.placeOnce(ctx, req)
		RecordOrderLatency(e.client.Name(), "entry", time.Since(start))

		if err == nil {
			return fill, nil
		}
		lastErr = err
		e.logger.Warn("entry order failed",
			utils.Symbol(req.Symbol), zap.Int("attempt", attempt), zap.Error(err))

		// таймаут не означает что ордер не исполнен
		if adopted := e.adoptFilled(ctx, req); adopted != nil {
			e.logger.Info("entry order filled despite error", utils.Symbol(req.Symbol))
			return adopted, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &models.ExecutionError{
		Op:       "place_order",
		Symbol:   req.Symbol,
		Attempts: attempts,
		Timeout:  errors.Is(lastErr, context.DeadlineExceeded),
		Err:      lastErr,
	}
}

func (e *Executor) placeOnce(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return e.client.PlaceOrder(cctx, req)
}

// adoptFilled возвращает fill по позиции на бирже, если она уже открыта в нужную сторону
func (e *Executor) adoptFilled(ctx context.Context, req exchange.OrderRequest) *exchange.Fill {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	pos, err := e.client.GetPosition(cctx, req.Symbol)
	if err != nil || pos == nil || pos.Side != req.Side || pos.Size <= 0 {
		return nil
	}
	return &exchange.Fill{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  pos.Size,
		AvgPrice:  pos.EntryPrice,
		Timestamp: pos.UpdatedAt,
	}
}

// Exit закрывает позицию с retry. exchange.ErrNoPosition не повторяется.
func (e *Executor) Exit(ctx context.Context, symbol string) (*exchange.Fill, error) {
	return e.closeWithRetry(ctx, symbol, "close_position", func(cctx context.Context) (*exchange.Fill, error) {
		return e.client.ClosePosition(cctx, symbol)
	})
}

// Reduce закрывает qty позиции с той же политикой повторов, что и Exit
func (e *Executor) Reduce(ctx context.Context, symbol string, qty float64) (*exchange.Fill, error) {
	return e.closeWithRetry(ctx, symbol, "reduce_position", func(cctx context.Context) (*exchange.Fill, error) {
		return e.client.ReducePosition(cctx, symbol, qty)
	})
}

// closeWithRetry - таймаут на попытку и exponential backoff.
// Отсутствие позиции и неверное количество не повторяются.
func (e *Executor) closeWithRetry(ctx context.Context, symbol, op string, call func(context.Context) (*exchange.Fill, error)) (*exchange.Fill, error) {
	cfg := e.cfg.exitRetryConfig()
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, exchange.ErrNoPosition) &&
			!errors.Is(err, exchange.ErrInvalidQuantity) &&
			ctx.Err() == nil
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("close order failed, retrying", zap.String("op", op),
			utils.Symbol(symbol), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	attempts := 0
	fill, err := retry.DoWithResult(ctx, func() (*exchange.Fill, error) {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()

		start := time.Now()
		f, err := call(cctx)
		RecordOrderLatency(e.client.Name(), "exit", time.Since(start))
		return f, err
	}, cfg)
	if err != nil {
		return nil, &models.ExecutionError{
			Op:       op,
			Symbol:   symbol,
			Attempts: attempts,
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
	}
	return fill, nil
}
