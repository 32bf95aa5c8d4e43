package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"futuresbot/internal/models"
	"futuresbot/pkg/utils"
)

// NotificationConfig - параметры доставки уведомлений
type NotificationConfig struct {
	// NotifyKinds - типы для отправки в Telegram, пусто = все.
	// Critical доставляется всегда.
	NotifyKinds []string
	QueueSize   int
	SendTimeout time.Duration

	// CriticalWait - ожидание места в очереди для critical,
	// после него вытесняется самое старое не-critical уведомление
	CriticalWait time.Duration
}

// DefaultNotificationConfig возвращает параметры по умолчанию
func DefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{
		QueueSize:    128,
		SendTimeout:  10 * time.Second,
		CriticalWait: time.Second,
	}
}

// NotificationService принимает уведомления торгового ядра.
//
// Отвечает за:
// - Сохранение в журнал (notifications)
// - Broadcast через WebSocket для UI
// - Асинхронную доставку в Telegram с фильтром по типам
//
// Торговое ядро никогда не ждёт доставки: очередь Telegram
// ограничена, при переполнении обычное уведомление только логируется.
// Critical ждёт место не дольше CriticalWait, затем вытесняет
// самое старое не-critical уведомление.
type NotificationService struct {
	repo   NotificationRepositoryInterface
	sender Sender
	wsHub  WebSocketBroadcaster
	logger *zap.Logger

	kinds        map[string]bool
	sendTimeout  time.Duration
	criticalWait time.Duration
	queue        chan *models.Notification
	enqueueMu    sync.Mutex

	wg sync.WaitGroup
}

// NewNotificationService создает новый экземпляр NotificationService.
// repo и sender могут быть nil (бэктест без БД, Telegram не настроен).
func NewNotificationService(repo NotificationRepositoryInterface, sender Sender, cfg NotificationConfig, logger *zap.Logger) *NotificationService {
	def := DefaultNotificationConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.CriticalWait <= 0 {
		cfg.CriticalWait = def.CriticalWait
	}
	if logger == nil {
		logger = utils.L().Logger
	}

	var kinds map[string]bool
	if len(cfg.NotifyKinds) > 0 {
		kinds = make(map[string]bool, len(cfg.NotifyKinds))
		for _, k := range cfg.NotifyKinds {
			kinds[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}

	return &NotificationService{
		repo:        repo,
		sender:      sender,
		logger:      logger.With(utils.Component("notifications")),
		kinds:        kinds,
		sendTimeout:  cfg.SendTimeout,
		criticalWait: cfg.CriticalWait,
		queue:        make(chan *models.Notification, cfg.QueueSize),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
//
// Вызывается после инициализации Hub в main.go:
//
//	notifService := service.NewNotificationService(notifRepo, telegram, cfg, logger)
//	notifService.SetWebSocketHub(wsHub)
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Run читает канал уведомлений движка до отмены ctx.
// После отмены дочитывает буфер и дожидается очереди Telegram.
func (s *NotificationService) Run(ctx context.Context, in <-chan *models.Notification) error {
	stop := make(chan struct{})
	s.wg.Add(1)
	go s.deliverLoop(stop)

	for {
		select {
		case n := <-in:
			s.handle(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-in:
					s.handle(n)
					continue
				default:
				}
				break
			}
			close(stop)
			s.wg.Wait()
			return nil
		}
	}
}

func (s *NotificationService) handle(n *models.Notification) {
	if n == nil {
		return
	}
	if err := s.CreateNotification(n); err != nil {
		s.logger.Warn("notification not persisted", zap.String("kind", n.Kind), zap.Error(err))
	}
}

// CreateNotification сохраняет уведомление, отправляет его в UI и
// ставит в очередь Telegram. Ошибка сохранения не отменяет доставку.
func (s *NotificationService) CreateNotification(notif *models.Notification) error {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	var err error
	if s.repo != nil {
		err = s.repo.Create(notif)
	}

	// Broadcast через WebSocket hub для real-time обновления UI
	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(notif)
	}

	s.enqueue(notif)
	return err
}

// ShouldDeliver проверяет, отправляется ли тип во внешний канал
func (s *NotificationService) ShouldDeliver(notif *models.Notification) bool {
	if s.sender == nil {
		return false
	}
	if notif.Severity == models.SeverityCritical || s.kinds == nil {
		return true
	}
	return s.kinds[notif.Kind]
}

func (s *NotificationService) enqueue(notif *models.Notification) {
	if !s.ShouldDeliver(notif) {
		return
	}
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	select {
	case s.queue <- notif:
		return
	default:
	}
	if notif.Severity != models.SeverityCritical {
		s.logger.Warn("telegram queue full, notification dropped",
			zap.String("kind", notif.Kind), utils.Symbol(notif.Symbol))
		return
	}

	timer := time.NewTimer(s.criticalWait)
	defer timer.Stop()
	select {
	case s.queue <- notif:
		return
	case <-timer.C:
	}
	s.evictFor(notif)
}

// evictFor освобождает место под critical: вынимает очередь,
// удаляет самое старое не-critical и возвращает остальное в прежнем порядке.
// Вызывается под enqueueMu, deliverLoop может только уменьшать очередь.
func (s *NotificationService) evictFor(notif *models.Notification) {
	pending := make([]*models.Notification, 0, cap(s.queue))
drain:
	for {
		select {
		case n := <-s.queue:
			pending = append(pending, n)
		default:
			break drain
		}
	}

	victim := -1
	for i, n := range pending {
		if n.Severity != models.SeverityCritical {
			victim = i
			break
		}
	}
	if victim >= 0 {
		s.logger.Warn("telegram queue full, notification evicted for critical",
			zap.String("kind", pending[victim].Kind), utils.Symbol(pending[victim].Symbol))
		pending = append(pending[:victim], pending[victim+1:]...)
	}

	for _, n := range append(pending, notif) {
		select {
		case s.queue <- n:
		default:
			s.logger.Error("telegram queue full, notification dropped",
				zap.String("kind", n.Kind), zap.String("severity", n.Severity),
				utils.Symbol(n.Symbol), zap.String("message", n.Message))
		}
	}
}

func (s *NotificationService) deliverLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case n := <-s.queue:
			s.deliver(n)
		case <-stop:
			for {
				select {
				case n := <-s.queue:
					s.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (s *NotificationService) deliver(n *models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	if err := s.sender.Send(ctx, n); err != nil {
		s.logger.Error("telegram delivery failed", zap.String("kind", n.Kind), zap.Error(err))
	}
}

// GetNotifications возвращает список уведомлений с фильтрацией.
//
// Параметры:
// - kinds: список типов для фильтрации (например: ["entry", "exit"]),
//   если пустой - возвращаются все типы
// - limit: максимальное количество записей (по умолчанию 100, максимум 500)
//
// Возвращает уведомления отсортированные по времени (новые сверху).
func (s *NotificationService) GetNotifications(kinds []string, limit int) ([]*models.Notification, error) {
	if s.repo == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	valid := make(map[string]bool)
	for _, k := range models.AllNotificationKinds() {
		valid[k] = true
	}
	normalized := make([]string, 0, len(kinds))
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if valid[k] {
			normalized = append(normalized, k)
		}
	}

	return s.repo.GetRecent(normalized, limit)
}

// ClearNotifications очищает журнал уведомлений
func (s *NotificationService) ClearNotifications() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.DeleteAll()
}

// Cleanup удаляет уведомления старше retention (планировщик)
func (s *NotificationService) Cleanup(retention time.Duration) (int64, error) {
	if s.repo == nil || retention <= 0 {
		return 0, nil
	}
	return s.repo.DeleteOlderThan(time.Now().Add(-retention))
}
