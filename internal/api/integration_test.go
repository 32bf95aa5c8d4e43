package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futuresbot/internal/api/handlers"
	"futuresbot/internal/bot"
	"futuresbot/internal/exchange"
	"futuresbot/internal/models"
	"futuresbot/internal/repository"
	"futuresbot/internal/service"
	"futuresbot/internal/websocket"
)

// ============================================================
// Полный цикл: Replay -> Engine -> сервисы -> SQLite -> HTTP/WebSocket
// ============================================================

type stack struct {
	server    *httptest.Server
	hub       *websocket.Hub
	engine    *bot.Engine
	replay    *exchange.Replay
	tradeRepo *repository.TradeRepository

	// stopServices дочитывает каналы движка и останавливает сервисы
	stopServices func()
}

func integrationBars() []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, 0, 120)
	price := 100.0
	for i := 0; i < 120; i++ {
		step := 0.5
		if i >= 60 {
			step = -0.5
		}
		closePrice := price + step
		hi, lo := closePrice, price
		if step < 0 {
			hi, lo = price, closePrice
		}
		bars = append(bars, models.Bar{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     hi + 0.25,
			Low:      lo - 0.25,
			Close:    closePrice,
			Volume:   10,
		})
		price = closePrice
	}
	return bars
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	db, err := repository.Open(ctx, repository.DatabaseConfig{
		Driver: repository.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "bot.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tradeRepo := repository.NewTradeRepository(db)

	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	notifications := service.NewNotificationService(repository.NewNotificationRepository(db), nil, service.DefaultNotificationConfig(), logger)
	notifications.SetWebSocketHub(hub)
	stats := service.NewStatsService(tradeRepo, repository.NewStatsRepository(db), logger)
	stats.SetWebSocketHub(hub)

	replay := exchange.NewReplay(exchange.DefaultReplayConfig())
	if err := replay.LoadBars("BTCUSDT", integrationBars()); err != nil {
		t.Fatalf("load bars: %v", err)
	}
	engine := bot.NewEngine(bot.DefaultEngineConfig(), replay, bot.ModeSync, hub, logger)
	if err := engine.AddInstrument(bot.DefaultPipelineConfig("BTCUSDT", "1m")); err != nil {
		t.Fatalf("add instrument: %v", err)
	}
	hub.SetSnapshot(func() []interface{} {
		return []interface{}{websocket.NewStatsUpdateMessage(stats.GetStats())}
	})

	svcCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = notifications.Run(svcCtx, engine.Notifications()) }()
	go func() { defer wg.Done(); _ = stats.Run(svcCtx, engine.Trades()) }()
	var once sync.Once
	stopServices := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stopServices)

	router := SetupRoutes(&Dependencies{
		Engine:              engine,
		StatsService:        stats,
		NotificationService: notifications,
		WebSocket:           hub.ServeWS,
		Logger:              logger,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &stack{
		server:       server,
		hub:          hub,
		engine:       engine,
		replay:       replay,
		tradeRepo:    tradeRepo,
		stopServices: stopServices,
	}
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// waitFor опрашивает cond до таймаута (сервисы читают каналы асинхронно)
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestIntegration_ReplaySession(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	// WebSocket клиент подключается до начала торговли
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/stream"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d", resp.StatusCode)
	}

	var mu sync.Mutex
	seen := make(map[websocket.MessageType]int)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var base websocket.BaseMessage
			if json.Unmarshal(data, &base) == nil {
				mu.Lock()
				seen[base.Type]++
				mu.Unlock()
			}
		}
	}()
	waitFor(t, "snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[websocket.MessageTypeStatsUpdate] > 0
	})

	// Торговая сессия на истории
	if err := s.engine.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	if err := s.replay.Run(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		t.Fatalf("engine shutdown: %v", err)
	}

	// Сделки доходят до журнала SQLite
	s.stopServices()
	var stats models.Stats
	if code := getJSON(t, s.server.URL+"/api/v1/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if stats.TotalTrades == 0 {
		t.Fatal("expected trades in a trending replay")
	}
	stored, err := s.tradeRepo.GetRecent(1000)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(stored) != stats.TotalTrades {
		t.Errorf("stored trades = %d, stats = %d", len(stored), stats.TotalTrades)
	}

	t.Run("trades endpoint", func(t *testing.T) {
		var trades []*models.TradeRecord
		if code := getJSON(t, s.server.URL+"/api/v1/trades?symbol=BTCUSDT", &trades); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if len(trades) != stats.TotalTrades {
			t.Errorf("trades = %d, want %d", len(trades), stats.TotalTrades)
		}
	})

	t.Run("instruments flat after shutdown", func(t *testing.T) {
		var list []models.InstrumentRuntime
		if code := getJSON(t, s.server.URL+"/api/v1/instruments", &list); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if len(list) != 1 || list[0].Symbol != "BTCUSDT" || list[0].State != models.StateFlat {
			t.Errorf("instruments = %+v", list)
		}
	})

	t.Run("force close without position", func(t *testing.T) {
		resp, err := http.Post(s.server.URL+"/api/v1/instruments/BTCUSDT/close", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("notifications journaled", func(t *testing.T) {
		var out handlers.GetNotificationsResponse
		if code := getJSON(t, s.server.URL+"/api/v1/notifications?types=entry", &out); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if out.Total == 0 {
			t.Fatal("no entry notifications")
		}
		for _, n := range out.Notifications {
			if n.Kind != models.NotificationEntry {
				t.Errorf("kind filter ignored: %s", n.Kind)
			}
		}
	})

	t.Run("websocket stream", func(t *testing.T) {
		waitFor(t, "trade broadcasts", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return seen[websocket.MessageTypeTrade] > 0 && seen[websocket.MessageTypeInstrumentUpdate] > 0
		})
	})
}
