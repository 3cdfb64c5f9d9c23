package pgtracking

import (
	"context"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const notificationColumns = `
  id, delivery_id, tracking_id, channel, recipient,
  status, trigger_event, content, sent_at, error_message, created_at`

func scanNotification(row rowScanner) (*models.TrackingNotification, error) {
	var n models.TrackingNotification
	if err := row.Scan(
		&n.ID, &n.DeliveryID, &n.TrackingID, &n.Channel, &n.Recipient,
		&n.Status, &n.TriggerEvent, &n.Content, &n.SentAt, &n.ErrorMessage, &n.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification вставляет строку в статусе pending.
func (s *Storage) CreateNotification(ctx context.Context, deliveryID string, trackingID uint64, channel, recipient, triggerEvent string) (*models.TrackingNotification, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO tracking_notifications (
  delivery_id, tracking_id, channel, recipient, status, trigger_event, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
RETURNING `+notificationColumns,
		deliveryID, trackingID, channel, recipient, models.NotificationStatusPending, triggerEvent)

	n, err := scanNotification(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert notification")
	}
	return n, nil
}

// MarkNotificationSent переводит pending -> sent. Терминальные строки не трогает.
func (s *Storage) MarkNotificationSent(ctx context.Context, id uint64, content string, sentAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_notifications
SET status = $2, content = $3, sent_at = $4
WHERE id = $1 AND status = $5
`, id, models.NotificationStatusSent, content, sentAt.UTC(), models.NotificationStatusPending)
	return errors.Wrap(err, "mark notification sent")
}

// MarkNotificationFailed переводит pending -> failed с текстом ошибки.
func (s *Storage) MarkNotificationFailed(ctx context.Context, id uint64, content string, errMsg string) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_notifications
SET status = $2, content = $3, error_message = $4
WHERE id = $1 AND status = $5
`, id, models.NotificationStatusFailed, content, errMsg, models.NotificationStatusPending)
	return errors.Wrap(err, "mark notification failed")
}

func (s *Storage) GetNotification(ctx context.Context, id uint64) (*models.TrackingNotification, error) {
	row := s.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM tracking_notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select notification")
	}
	return n, nil
}

func (s *Storage) ListNotifications(ctx context.Context, trackingID uint64, limit int) ([]*models.TrackingNotification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT `+notificationColumns+`
FROM tracking_notifications
WHERE tracking_id = $1
ORDER BY created_at DESC
LIMIT $2
`, trackingID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select notifications")
	}
	defer rows.Close()

	var out []*models.TrackingNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
