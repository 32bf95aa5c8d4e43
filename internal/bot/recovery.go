package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
)

// RecoveryManager восстанавливает работу после перезапуска:
// находит открытые на бирже позиции по торгуемым инструментам и
// переводит их контроллеры в OPEN, чтобы позиции были под защитой
// монитора ликвидации.
type RecoveryManager struct {
	engine  *Engine
	timeout time.Duration
	logger  *zap.Logger
}

// RecoveryConfig - конфигурация для RecoveryManager
type RecoveryConfig struct {
	// Timeout - таймаут на весь процесс восстановления
	Timeout time.Duration
}

// DefaultRecoveryConfig возвращает конфигурацию по умолчанию
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{Timeout: 30 * time.Second}
}

// RecoveryResult содержит результаты процесса восстановления
type RecoveryResult struct {
	// Instruments - количество проверенных инструментов
	Instruments int

	// Recovered - инструменты, позиции которых приняты в OPEN
	Recovered []string

	// Failed - ошибки запроса позиций по инструментам
	Failed map[string]error
}

// NewRecoveryManager создает новый менеджер восстановления
func NewRecoveryManager(engine *Engine, cfg *RecoveryConfig) *RecoveryManager {
	if cfg == nil {
		cfg = DefaultRecoveryConfig()
	}
	return &RecoveryManager{
		engine:  engine,
		timeout: cfg.Timeout,
		logger:  engine.logger.With(zap.String("stage", "recovery")),
	}
}

// Recover проверяет все инструменты движка. Ошибка по одному
// инструменту не прерывает проверку остальных.
func (rm *RecoveryManager) Recover(ctx context.Context) (*RecoveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, rm.timeout)
	defer cancel()

	pipelines := rm.engine.list()
	result := &RecoveryResult{
		Instruments: len(pipelines),
		Failed:      make(map[string]error),
	}

	for _, p := range pipelines {
		ok, err := p.Controller().Recover(ctx)
		switch {
		case err != nil:
			result.Failed[p.Symbol()] = err
			rm.logger.Error("position lookup failed", zap.String("symbol", p.Symbol()), zap.Error(err))
		case ok:
			result.Recovered = append(result.Recovered, p.Symbol())
		}
	}

	if len(result.Recovered) > 0 || len(result.Failed) > 0 {
		rm.notify(models.SeverityInfo, fmt.Sprintf(
			"Recovery summary: %d instruments, %d positions adopted, %d errors",
			result.Instruments, len(result.Recovered), len(result.Failed),
		), map[string]interface{}{
			"recovered": result.Recovered,
		})
	}

	if len(result.Failed) == len(pipelines) && len(pipelines) > 0 {
		return result, errors.New("position lookup failed for all instruments")
	}
	return result, nil
}

// VerifyPositions проверяет соответствие позиций контроллеров позициям на бирже.
// Может использоваться для периодической проверки согласованности.
func (rm *RecoveryManager) VerifyPositions(ctx context.Context) ([]string, error) {
	var inconsistencies []string
	client := rm.engine.Client()

	for _, p := range rm.engine.list() {
		rt := p.Controller().Snapshot()

		cctx, cancel := context.WithTimeout(ctx, rm.timeout)
		pos, err := client.GetPosition(cctx, p.Symbol())
		cancel()

		if err != nil && !errors.Is(err, exchange.ErrNoPosition) {
			return inconsistencies, fmt.Errorf("get position %s: %w", p.Symbol(), err)
		}

		switch {
		case rt.Position == nil && pos != nil:
			inconsistencies = append(inconsistencies, fmt.Sprintf(
				"%s: untracked %s position on exchange (size %.4f)", p.Symbol(), pos.Side, pos.Size))
		case rt.Position != nil && pos == nil:
			inconsistencies = append(inconsistencies, fmt.Sprintf(
				"%s: tracked %s position not found on exchange", p.Symbol(), rt.Position.Side))
		case rt.Position != nil && pos != nil:
			if rt.Position.Side != pos.Side {
				inconsistencies = append(inconsistencies, fmt.Sprintf(
					"%s: side mismatch (engine: %s, exchange: %s)", p.Symbol(), rt.Position.Side, pos.Side))
			} else if math.Abs(rt.Position.Quantity-pos.Size) > 1e-9 {
				inconsistencies = append(inconsistencies, fmt.Sprintf(
					"%s: size mismatch (engine: %.4f, exchange: %.4f)", p.Symbol(), rt.Position.Quantity, pos.Size))
			}
		}
	}

	for _, msg := range inconsistencies {
		rm.notify(models.SeverityError, msg, nil)
	}
	return inconsistencies, nil
}

// notify отправляет уведомление
func (rm *RecoveryManager) notify(severity, message string, meta map[string]interface{}) {
	tryEnqueueNotification(rm.engine.NotificationSink(), &models.Notification{
		Timestamp: time.Now(),
		Kind:      models.NotificationRecovery,
		Severity:  severity,
		Message:   message,
		Meta:      meta,
	})
}
