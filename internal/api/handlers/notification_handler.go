package handlers

import (
	"net/http"
	"strings"

	"futuresbot/internal/models"
	"futuresbot/internal/service"
)

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - получение списка уведомлений
// - GET /api/v1/notifications?types=entry,exit,error - с фильтрацией по типам
// - GET /api/v1/notifications?limit=50 - с ограничением количества
// - DELETE /api/v1/notifications - очистка журнала уведомлений
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// GET /api/v1/notifications
//
// Query параметры:
// - types (string): типы через запятую (entry, exit, liquidation-warning,
//   liquidation-critical, error, risk, recovery, daily-summary)
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK: успешно, возвращает массив уведомлений
// - 500 Internal Server Error: ошибка сервера
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var kinds []string
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		for _, part := range strings.Split(typesParam, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				kinds = append(kinds, strings.ToLower(trimmed))
			}
		}
	}
	limit := queryInt(r, "limit", 100)

	notifications, err := h.notificationService.GetNotifications(kinds, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "failed to get notifications: "+err.Error())
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}

// ClearNotifications очищает журнал уведомлений
//
// DELETE /api/v1/notifications
//
// Это действие необратимо.
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.notificationService.ClearNotifications(); err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "failed to clear notifications: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "notifications cleared"})
}
