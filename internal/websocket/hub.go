package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ ОПТИМИЗАЦИЯ: sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// broadcastBufferSize - ёмкость очереди broadcast
const broadcastBufferSize = 256

// envelope - сериализованное сообщение и инструмент, к которому оно относится
type envelope struct {
	symbol string
	data   []byte
}

// SnapshotFunc возвращает сообщения для нового клиента
// (текущее состояние инструментов и статистика)
type SnapshotFunc func() []interface{}

// Hub управляет всеми активными WebSocket соединениями
//
// Назначение:
// Центральный менеджер для broadcast сообщений всем подключенным клиентам.
// Торговое ядро никогда не блокируется на UI: при переполнении очереди
// сообщение отбрасывается и учитывается в DroppedMessages.
//
// Типы сообщений:
// - instrumentUpdate: состояние инструмента
// - notification: новое уведомление
// - trade: закрытая сделка
// - statsUpdate: обновление статистики
//
// Использование:
// 1. Создать hub: hub := NewHub(logger)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.Broadcast(message)
// 4. Остановить: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Очередь сообщений на рассылку
	broadcast chan envelope

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	dropped  atomic.Int64
	snapshot atomic.Value // SnapshotFunc
	origins  *OriginChecker
	logger   *zap.Logger

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(nil),
		logger:     logger.With(utils.Component("ws-hub")),
	}
}

// SetAllowedOrigins ограничивает Origin браузерных клиентов.
// Пустой список или "*" разрешает всё.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = NewOriginChecker(origins)
}

// SetSnapshot устанавливает источник начального состояния для новых клиентов
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.snapshot.Store(fn)
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Обрабатывает регистрацию, отмену регистрации и broadcast до Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", total))

		case env := <-h.broadcast:
			// Копируем список клиентов под коротким RLock
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				if !client.wants(env.symbol) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Клиент не успевает обрабатывать сообщения
					toRemove = append(toRemove, client)
				}
			}

			// Удаляем медленных клиентов под Write Lock
			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients", zap.Int("removed", len(toRemove)), zap.Int("clients", total))
			}
		}
	}
}

// Stop останавливает Run и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// encode сериализует сообщение через пул буферов
func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	// Убираем trailing newline от Encode
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Broadcast отправляет сообщение подписчикам его инструмента
// (или всем, если сообщение не относится к инструменту)
func (h *Hub) Broadcast(message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		return
	}
	h.enqueue(envelope{symbol: scopeOf(message), data: data})
}

// BroadcastRaw отправляет уже сериализованное сообщение всем клиентам
func (h *Hub) BroadcastRaw(data []byte) {
	h.enqueue(envelope{data: data})
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastInstrumentUpdate отправляет состояние инструмента
func (h *Hub) BroadcastInstrumentUpdate(rt *models.InstrumentRuntime) {
	h.Broadcast(NewInstrumentUpdateMessage(rt))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	h.Broadcast(NewNotificationMessage(notif))
}

// BroadcastTrade отправляет закрытую сделку
func (h *Hub) BroadcastTrade(trade *models.TradeRecord) {
	h.Broadcast(NewTradeMessage(trade))
}

// BroadcastStatsUpdate отправляет обновление статистики
func (h *Hub) BroadcastStatsUpdate(stats *models.Stats) {
	h.Broadcast(NewStatsUpdateMessage(stats))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает количество отброшенных broadcast сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

// snapshotMessages сериализует начальное состояние с учётом подписки клиента
func (h *Hub) snapshotMessages(c *Client) [][]byte {
	fn, _ := h.snapshot.Load().(SnapshotFunc)
	if fn == nil {
		return nil
	}
	var out [][]byte
	for _, msg := range fn() {
		if !c.wants(scopeOf(msg)) {
			continue
		}
		data, err := encode(msg)
		if err != nil {
			h.logger.Error("marshal snapshot message", zap.Error(err))
			continue
		}
		out = append(out, data)
	}
	return out
}
