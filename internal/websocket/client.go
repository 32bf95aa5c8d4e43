package websocket

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futuresbot/pkg/utils"
)

// Параметры соединения
const (
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = pongWait * 9 / 10
	maxMessageSize       = 4096 // от клиента ожидаются только control frames
	clientSendBufferSize = 512
	maxSubscriptions     = 64
)

// OriginChecker - белый список Origin браузерных клиентов
type OriginChecker struct {
	allowed  map[string]struct{}
	allowAny bool
}

// NewOriginChecker создаёт проверку. Пустой список или "*" разрешает любой Origin.
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			oc.allowAny = true
		default:
			oc.allowed[o] = struct{}{}
		}
	}
	oc.allowAny = oc.allowAny || len(oc.allowed) == 0
	return oc
}

// Check разрешает запросы без Origin (не браузер)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAny {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

// Client - подписчик потока состояния.
// symbols == nil: все инструменты; иначе только перечисленные
// (сообщения без инструмента, например статистика, доходят всегда).
type Client struct {
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	symbols map[string]struct{}
}

// wants сообщает, нужно ли клиенту сообщение по symbol
func (c *Client) wants(symbol string) bool {
	if symbol == "" || c.symbols == nil {
		return true
	}
	_, ok := c.symbols[symbol]
	return ok
}

// parseSymbols разбирает ?symbols=BTCUSDT,ethusdt
func parseSymbols(raw string) (map[string]struct{}, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]struct{})
	for _, s := range strings.Split(raw, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		s = utils.NormalizeSymbol(s)
		if err := utils.ValidateSymbol(s); err != nil {
			return nil, err
		}
		out[s] = struct{}{}
	}
	if len(out) > maxSubscriptions {
		return nil, fmt.Errorf("too many symbols: %d > %d", len(out), maxSubscriptions)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// readPump держит read deadline по pong и ловит разрыв соединения
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump - единственный писатель в conn
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				kind = websocket.CloseMessage
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		// каждый frame - отдельный JSON документ
		if err := c.conn.WriteMessage(kind, payload); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

// ServeWS - обработчик /ws/stream.
// Query: symbols - список инструментов через запятую (по умолчанию все).
// Новый клиент сначала получает снимок текущего состояния.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	symbols, err := parseSymbols(r.URL.Query().Get("symbols"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Check(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, clientSendBufferSize),
		symbols: symbols,
	}
	for _, msg := range h.snapshotMessages(client) {
		select {
		case client.send <- msg:
		default:
		}
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}
	h.logger.Debug("client subscribed", zap.Int("symbols", len(symbols)))

	go client.writePump()
	go client.readPump()
}
