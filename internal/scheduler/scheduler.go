package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/internal/notifier"
	"futuresbot/pkg/retry"
	"futuresbot/pkg/utils"
)

// scheduler.go - фоновые задачи по расписанию (НЕ влияют на торговые решения)
//
// Задачи:
// - DailyReset: новый торговый день фильтров, итоги вчерашнего дня, очистка уведомлений
// - SnapshotEquity: снимок состояния инструментов во временные ряды
// - VerifyPositions: сверка позиций движка с биржей

// Config - расписания в формате cron с секундами. Пустое расписание отключает задачу.
type Config struct {
	DailyReset            string
	EquitySnapshot        string
	VerifyPositions       string
	NotificationRetention time.Duration
	JobTimeout            time.Duration
}

// DefaultConfig возвращает расписание по умолчанию
func DefaultConfig() Config {
	return Config{
		DailyReset:            "0 0 0 * * *",
		EquitySnapshot:        "0 */5 * * * *",
		VerifyPositions:       "30 * * * * *",
		NotificationRetention: 30 * 24 * time.Hour,
		JobTimeout:            time.Minute,
	}
}

// ============ Зависимости ============

// Engine - торговый движок
type Engine interface {
	ResetDay(equity float64)
	Instruments() []models.InstrumentRuntime
}

// EquitySource - эквити аккаунта (exchange.Client)
type EquitySource interface {
	GetEquity(ctx context.Context) (float64, error)
}

// PositionVerifier - сверка позиций (bot.RecoveryManager)
type PositionVerifier interface {
	VerifyPositions(ctx context.Context) ([]string, error)
}

// StatsSource - статистика сделок (service.StatsService)
type StatsSource interface {
	GetStats() *models.Stats
	GetDaily(from, to time.Time) ([]models.DailyStats, error)
}

// Notifications - журнал уведомлений (service.NotificationService)
type Notifications interface {
	CreateNotification(notif *models.Notification) error
	Cleanup(retention time.Duration) (int64, error)
}

// SnapshotWriter - запись снимков во временные ряды (storage.Influx)
type SnapshotWriter interface {
	WriteInstruments(ctx context.Context, snapshots []models.InstrumentRuntime, at time.Time) error
}

// Deps - зависимости планировщика. Verifier, Snapshots, Stats и Notifications опциональны.
type Deps struct {
	Engine        Engine
	Equity        EquitySource
	Verifier      PositionVerifier
	Stats         StatsSource
	Notifications Notifications
	Snapshots     SnapshotWriter
	Logger        *zap.Logger
}

// Scheduler управляет cron задачами
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
	retry  retry.Config
}

// New создает планировщик. Время расписаний - UTC, как и торговый день.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = utils.L().Logger
	}
	logger = logger.With(utils.Component("scheduler"))

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		retry: retry.Config{
			MaxRetries:   3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			RetryIf:      retry.RetryIfNotContext,
		},
	}
}

// RegisterAll регистрирует задачи с непустым расписанием
func (s *Scheduler) RegisterAll() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"daily reset", s.cfg.DailyReset, s.DailyReset},
		{"equity snapshot", s.cfg.EquitySnapshot, s.SnapshotEquity},
		{"verify positions", s.cfg.VerifyPositions, s.VerifyPositions},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { s.withTimeout(run) }); err != nil {
			return fmt.Errorf("register %s task: %w", job.name, err)
		}
		s.logger.Info("task registered", zap.String("task", job.name), zap.String("spec", job.spec))
	}
	return nil
}

// Start запускает планировщик
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.cron.Entries())))
}

// Stop останавливает планировщик и ждёт выполняющиеся задачи
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) withTimeout(run func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	run(ctx)
}

// ============ Задачи ============

// DailyReset начинает новый торговый день
func (s *Scheduler) DailyReset(ctx context.Context) {
	equity := s.currentEquity(ctx)
	s.deps.Engine.ResetDay(equity)
	s.logger.Info("trading day reset", zap.Float64("equity", equity))

	s.sendDailySummary()

	if s.deps.Notifications != nil && s.cfg.NotificationRetention > 0 {
		removed, err := s.deps.Notifications.Cleanup(s.cfg.NotificationRetention)
		if err != nil {
			s.logger.Error("notification cleanup failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("old notifications removed", zap.Int64("count", removed))
		}
	}
}

// currentEquity запрашивает эквити с повторами. При недоступности биржи
// берётся последнее известное значение из снимков инструментов.
func (s *Scheduler) currentEquity(ctx context.Context) float64 {
	if s.deps.Equity != nil {
		equity, err := retry.DoWithResult(ctx, func() (float64, error) {
			return s.deps.Equity.GetEquity(ctx)
		}, s.retry)
		if err == nil {
			return equity
		}
		s.logger.Error("equity unavailable for daily reset", zap.Error(err))
	}

	var last float64
	for _, rt := range s.deps.Engine.Instruments() {
		if rt.Equity > last {
			last = rt.Equity
		}
	}
	if last == 0 {
		s.notify(models.SeverityError, "Не удалось получить эквити: дневной лимит убытка отключён до следующего сброса", nil)
	}
	return last
}

func (s *Scheduler) sendDailySummary() {
	if s.deps.Stats == nil || s.deps.Notifications == nil {
		return
	}

	yesterday := utils.GetDayStartFrom(s.now()).AddDate(0, 0, -1)
	day := models.DailyStats{Day: yesterday}
	days, err := s.deps.Stats.GetDaily(yesterday, yesterday)
	if err != nil {
		s.logger.Error("daily stats unavailable", zap.Error(err))
	}
	for _, d := range days {
		if d.Day.Equal(yesterday) {
			day = d
		}
	}

	s.notify(models.SeverityInfo, notifier.FormatDailySummary(day, s.deps.Stats.GetStats()), map[string]interface{}{
		"trades": day.Trades,
		"pnl":    day.Pnl,
	})
}

// SnapshotEquity сохраняет снимок состояния инструментов
func (s *Scheduler) SnapshotEquity(ctx context.Context) {
	if s.deps.Snapshots == nil {
		return
	}
	snapshots := s.deps.Engine.Instruments()
	if err := s.deps.Snapshots.WriteInstruments(ctx, snapshots, s.now().UTC()); err != nil {
		s.logger.Warn("equity snapshot failed", zap.Error(err))
	}
}

// VerifyPositions сверяет позиции движка с биржей.
// Расхождения уведомляет сам RecoveryManager.
func (s *Scheduler) VerifyPositions(ctx context.Context) {
	if s.deps.Verifier == nil {
		return
	}
	issues, err := s.deps.Verifier.VerifyPositions(ctx)
	if err != nil {
		s.logger.Warn("position verification failed", zap.Error(err))
		return
	}
	if len(issues) > 0 {
		s.logger.Warn("position inconsistencies found", zap.Strings("issues", issues))
	}
}

func (s *Scheduler) notify(severity, message string, meta map[string]interface{}) {
	if s.deps.Notifications == nil {
		return
	}
	kind := models.NotificationDailySummary
	if severity != models.SeverityInfo {
		kind = models.NotificationError
	}
	if err := s.deps.Notifications.CreateNotification(&models.Notification{
		Timestamp: s.now(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Meta:      meta,
	}); err != nil {
		s.logger.Warn("scheduler notification not persisted", zap.Error(err))
	}
}
