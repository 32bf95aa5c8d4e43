package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futuresbot/internal/api"
	"futuresbot/internal/bot"
	"futuresbot/internal/config"
	"futuresbot/internal/exchange"
	"futuresbot/internal/notifier"
	"futuresbot/internal/repository"
	"futuresbot/internal/scheduler"
	"futuresbot/internal/service"
	"futuresbot/internal/storage"
	"futuresbot/internal/websocket"
	"futuresbot/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(cfg.Logging).Logger
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============ База данных ============

	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", zap.String("driver", db.Driver()))

	tradeRepo := repository.NewTradeRepository(db)
	statsRepo := repository.NewStatsRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// ============ Временные ряды (опционально) ============

	var influx *storage.Influx
	if cfg.InfluxEnabled() {
		influx, err = storage.NewInflux(ctx, cfg.Influx, logger)
		if err != nil {
			// без InfluxDB торговля продолжается
			logger.Warn("influxdb disabled", zap.Error(err))
			influx = nil
		} else {
			defer influx.Close()
		}
	}

	// ============ Уведомления ============

	var sender service.Sender
	if cfg.TelegramEnabled() {
		tg, err := notifier.NewTelegram(cfg.Telegram, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}

	hub := websocket.NewHub(logger)
	hub.SetAllowedOrigins(cfg.Security.AllowedOrigins)
	go hub.Run()
	defer hub.Stop()

	notificationService := service.NewNotificationService(notificationRepo, sender, service.NotificationConfig{
		NotifyKinds: cfg.Notify.Kinds,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, logger)
	notificationService.SetWebSocketHub(hub)

	statsService := service.NewStatsService(tradeRepo, statsRepo, logger)
	statsService.SetWebSocketHub(hub)
	if influx != nil {
		statsService.SetTradeSink(influx)
	}
	if err := statsService.Load(); err != nil {
		return fmt.Errorf("load stats: %w", err)
	}

	// ============ Биржа и движок ============

	client, err := exchange.NewClient(cfg.Exchange, exchange.Options{
		Binance: cfg.Binance,
		Replay:  cfg.Replay,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	engine := bot.NewEngine(cfg.Engine, client, bot.ModeLive, hub, logger)
	for _, pc := range cfg.Instruments {
		if err := engine.AddInstrument(pc); err != nil {
			return err
		}
	}

	equity, err := client.GetEquity(ctx)
	if err != nil {
		logger.Warn("equity unavailable at start, daily loss limit disabled until reset", zap.Error(err))
	}
	engine.ResetDay(equity)
	if n := statsService.RestoreGuards(engine.Guards()); n > 0 {
		logger.Info("daily pnl restored", zap.Int("trades", n))
	}

	hub.SetSnapshot(func() []interface{} {
		out := []interface{}{websocket.NewStatsUpdateMessage(statsService.GetStats())}
		for _, rt := range engine.Instruments() {
			rt := rt
			out = append(out, websocket.NewInstrumentUpdateMessage(&rt))
		}
		return out
	})

	// ============ Планировщик ============

	sched := scheduler.New(scheduler.Config{
		DailyReset:            cfg.Schedule.DailyReset,
		EquitySnapshot:        cfg.Schedule.EquitySnapshot,
		VerifyPositions:       cfg.Schedule.VerifyPosition,
		NotificationRetention: cfg.Notify.Retention,
	}, scheduler.Deps{
		Engine:        engine,
		Equity:        client,
		Verifier:      bot.NewRecoveryManager(engine, nil),
		Stats:         statsService,
		Notifications: notificationService,
		Snapshots:     snapshotWriter(influx),
		Logger:        logger,
	})
	if err := sched.RegisterAll(); err != nil {
		return err
	}

	// ============ HTTP ============

	router := api.SetupRoutes(&api.Dependencies{
		Engine:              engine,
		StatsService:        statsService,
		NotificationService: notificationService,
		WebSocket:           hub.ServeWS,
		Logger:              logger,
		TokenHash:           cfg.Security.APITokenHash,
		AllowedOrigins:      cfg.Security.AllowedOrigins,
		RateLimit:           cfg.Security.APIRateLimit,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ============ Запуск ============

	// Сервисы читают каналы движка, пока он не закроет позиции
	svcCtx, svcCancel := context.WithCancel(context.Background())
	defer svcCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notificationService.Run(svcCtx, engine.Notifications()) })
	g.Go(func() error { return statsService.Run(svcCtx, engine.Trades()) })
	g.Go(func() error {
		defer svcCancel()
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", server.Addr),
			zap.Bool("https", cfg.Server.UseHTTPS),
			zap.String("exchange", client.Name()),
			zap.Int("instruments", len(cfg.Instruments)))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	sched.Start()

	// Graceful shutdown
	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	// движок закрывает позиции при отмене ctx, дожидаемся этого
	return g.Wait()
}

// snapshotWriter возвращает nil интерфейс, если InfluxDB выключен
func snapshotWriter(influx *storage.Influx) scheduler.SnapshotWriter {
	if influx == nil {
		return nil
	}
	return influx
}
