package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/DropFlow/TrackFlow/internal/metrics"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type notificationStore interface {
	CreateNotification(ctx context.Context, deliveryID string, trackingID uint64, channel, recipient, triggerEvent string) (*models.TrackingNotification, error)
	MarkNotificationSent(ctx context.Context, id uint64, content string, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uint64, content string, errMsg string) error
}

// Dispatcher применяет правила уведомлений после смены статуса и ведёт
// журнал доставок. Каждая попытка — отдельная строка pending -> sent|failed,
// ретрай всегда создаёт новую строку.
type Dispatcher struct {
	store   notificationStore
	senders map[string]Sender
	log     *slog.Logger

	now func() time.Time
}

func NewDispatcher(store notificationStore, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		senders: map[string]Sender{},
		log:     log,
		now:     time.Now,
	}
}

// WithSender регистрирует транспорт канала. Канал без транспорта
// при попытке отправки получает строку failed.
func (d *Dispatcher) WithSender(channel string, s Sender) *Dispatcher {
	d.senders[channel] = s
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch вызывается после каждой успешной сверки. Правила:
//   - delivered: email "delivery" на переходе в статус, если включён
//     notify_customer, канал email активен и у записи есть customer_email;
//   - exception: email "exception" с теми же условиями;
//   - webhook "status_update" уходит на каждую сверку, если задан
//     webhook_url — независимо от notify_customer и от смены статуса.
//
// statusChanged отделяет переход от повторного подтверждения того же
// статуса: клиентские письма шлём один раз на переход, webhook — всегда.
// Ошибки отправки не всплывают: они остаются в журнале и в логе.
func (d *Dispatcher) Dispatch(ctx context.Context, t *models.Tracking, settings *models.TrackingSettings, statusChanged bool) {
	if settings == nil {
		return
	}

	customerOK := statusChanged && settings.NotifyCustomer &&
		hasChannel(settings, models.NotificationChannelEmail) &&
		t.CustomerEmail != nil && *t.CustomerEmail != ""

	switch t.Status {
	case models.TrackingStatusDelivered:
		if customerOK {
			d.deliver(ctx, t, models.NotificationChannelEmail, *t.CustomerEmail, models.TriggerDelivery)
		}
	case models.TrackingStatusException:
		if customerOK {
			d.deliver(ctx, t, models.NotificationChannelEmail, *t.CustomerEmail, models.TriggerException)
		}
	}

	if settings.WebhookURL != nil && *settings.WebhookURL != "" {
		d.deliver(ctx, t, models.NotificationChannelWebhook, *settings.WebhookURL, models.TriggerStatusUpdate)
	}
}

// SendManual — ручная отправка с API (POST /trackings/{id}/notify).
// Возвращает строку журнала с итоговым статусом.
func (d *Dispatcher) SendManual(ctx context.Context, t *models.Tracking, channel, recipient string) (*models.TrackingNotification, error) {
	if !models.ValidNotificationChannel(channel) {
		return nil, errors.Errorf("unknown notification channel: %s", channel)
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	n := d.deliver(ctx, t, channel, recipient, models.TriggerManual)
	if n == nil {
		return nil, errors.New("notification was not recorded")
	}
	return n, nil
}

// deliver ведёт одну попытку: pending-строка, рендер, транспорт, финальный статус.
func (d *Dispatcher) deliver(ctx context.Context, t *models.Tracking, channel, recipient, trigger string) *models.TrackingNotification {
	n, err := d.store.CreateNotification(ctx, uuid.NewString(), t.ID, channel, recipient, trigger)
	if err != nil {
		d.log.Error("create notification row", "trackingId", t.ID, "channel", channel, "error", err)
		return nil
	}

	content := d.render(t, channel, trigger)
	msg := Message{Recipient: recipient, Subject: emailSubject(trigger), Content: content}

	sender, ok := d.senders[channel]
	var sendErr error
	if !ok {
		sendErr = errors.Errorf("no sender configured for channel %s", channel)
	} else {
		start := d.now()
		sendErr = sender.Send(ctx, msg)
		metrics.NotificationSendDuration.WithLabelValues(channel).Observe(d.now().Sub(start).Seconds())
	}

	if sendErr != nil {
		metrics.NotificationSendTotal.WithLabelValues(channel, "failure").Inc()
		d.log.Error("notification send failed",
			"trackingId", t.ID, "channel", channel, "trigger", trigger, "error", sendErr)
		if err := d.store.MarkNotificationFailed(ctx, n.ID, content, sendErr.Error()); err != nil {
			d.log.Error("mark notification failed", "id", n.ID, "error", err)
		}
		n.Status = models.NotificationStatusFailed
		msgErr := sendErr.Error()
		n.ErrorMessage = &msgErr
		n.Content = &content
		return n
	}

	metrics.NotificationSendTotal.WithLabelValues(channel, "success").Inc()
	sentAt := d.now().UTC()
	if err := d.store.MarkNotificationSent(ctx, n.ID, content, sentAt); err != nil {
		d.log.Error("mark notification sent", "id", n.ID, "error", err)
	}
	n.Status = models.NotificationStatusSent
	n.Content = &content
	n.SentAt = &sentAt
	return n
}

func (d *Dispatcher) render(t *models.Tracking, channel, trigger string) string {
	switch channel {
	case models.NotificationChannelEmail:
		return renderEmail(t, trigger)
	case models.NotificationChannelSMS:
		return renderSMS(t, trigger)
	case models.NotificationChannelPush:
		return renderPush(t, trigger)
	case models.NotificationChannelWebhook:
		return renderWebhook(t, trigger, d.now())
	}
	return renderEmail(t, trigger)
}

func hasChannel(s *models.TrackingSettings, channel string) bool {
	for _, c := range s.NotificationChannels {
		if c == channel {
			return true
		}
	}
	return false
}
