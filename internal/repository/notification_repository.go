package repository

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"futuresbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория уведомлений
var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// NotificationRepository - журнал уведомлений (таблица notifications)
type NotificationRepository struct {
	db *DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление и заполняет ID
func (r *NotificationRepository) Create(notif *models.Notification) error {
	var meta sql.NullString
	if len(notif.Meta) > 0 {
		data, err := json.Marshal(notif.Meta)
		if err != nil {
			return err
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	query := r.db.Rebind(`
		INSERT INTO notifications (timestamp, kind, severity, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)

	return r.db.QueryRow(
		query,
		notif.Timestamp.UTC(),
		notif.Kind,
		notif.Severity,
		notif.Symbol,
		notif.Message,
		meta,
	).Scan(&notif.ID)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(id int64) (*models.Notification, error) {
	query := r.db.Rebind(`
		SELECT id, timestamp, kind, severity, symbol, message, meta
		FROM notifications
		WHERE id = $1`)

	notif, err := scanNotification(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return notif, nil
}

// GetRecent возвращает последние N уведомлений.
// Пустой kinds - все типы.
func (r *NotificationRepository) GetRecent(kinds []string, limit int) ([]*models.Notification, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`
		SELECT id, timestamp, kind, severity, symbol, message, meta
		FROM notifications`)

	if len(kinds) > 0 {
		sb.WriteString(` WHERE kind IN (`)
		for i, k := range kinds {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, k)
			sb.WriteString("$" + strconv.Itoa(len(args)))
		}
		sb.WriteString(`)`)
	}
	args = append(args, limit)
	sb.WriteString(` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)))

	rows, err := r.db.Query(r.db.Rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, notif)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAll очищает журнал уведомлений
func (r *NotificationRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM notifications`)
	return err
}

// DeleteOlderThan удаляет уведомления старше before, возвращает количество
func (r *NotificationRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result, err := r.db.Exec(r.db.Rebind(`DELETE FROM notifications WHERE timestamp < $1`), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	notif := &models.Notification{}
	var meta sql.NullString
	err := row.Scan(
		&notif.ID,
		&notif.Timestamp,
		&notif.Kind,
		&notif.Severity,
		&notif.Symbol,
		&notif.Message,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &notif.Meta); err != nil {
			return nil, err
		}
	}
	return notif, nil
}
