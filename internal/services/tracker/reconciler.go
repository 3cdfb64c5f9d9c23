package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/DropFlow/TrackFlow/internal/broker/messages"
	"github.com/DropFlow/TrackFlow/internal/cache/rediscache"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/metrics"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/pkg/errors"
)

type reconcileStore interface {
	GetTrackingByID(ctx context.Context, id uint64) (*models.Tracking, error)
	StampLastChecked(ctx context.Context, id uint64, at time.Time) error
	ScheduleNextCheck(ctx context.Context, id uint64, at time.Time) error
	ApplyReconcile(ctx context.Context, upd pgtracking.ReconcileUpdate) (int, error)
	GetSettings(ctx context.Context, userID string) (*models.TrackingSettings, error)
}

type notifier interface {
	Dispatch(ctx context.Context, t *models.Tracking, settings *models.TrackingSettings, statusChanged bool)
}

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Reconciler выполняет один цикл сверки трека с перевозчиком:
// штамп last_checked, снапшот провайдера, merge, атомарная запись,
// диспетчеризация уведомлений, событие в kafka, сброс кэша.
type Reconciler struct {
	store    reconcileStore
	registry *carrier.Registry
	notify   notifier
	planner  *Planner
	log      *slog.Logger

	producer publisher // nil — без kafka (тесты, локальный запуск)
	topic    string

	cache rediscache.BytesCache // nil — без кэша

	now func() time.Time
}

func NewReconciler(store reconcileStore, registry *carrier.Registry, notify notifier, planner *Planner, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		notify:   notify,
		planner:  planner,
		log:      log,
		now:      time.Now,
	}
}

func (r *Reconciler) WithProducer(p publisher, topic string) *Reconciler {
	r.producer = p
	r.topic = topic
	return r
}

func (r *Reconciler) WithCache(c rediscache.BytesCache) *Reconciler {
	r.cache = c
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// CurrentStatusKey — ключ кэша текущего состояния трека в redis.
func CurrentStatusKey(trackingID uint64) string {
	return "tracking:" + strconv.FormatUint(trackingID, 10) + ":current"
}

// Reconcile сверяет один трек. Ошибки провайдера не всплывают:
// они записываются в last_error и двигают бэкофф. Наружу уходят
// только ошибки чтения/записи БД.
func (r *Reconciler) Reconcile(ctx context.Context, trackingID uint64) error {
	start := r.now()
	defer func() {
		metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds())
	}()

	t, err := r.store.GetTrackingByID(ctx, trackingID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("db_error").Inc()
		return errors.Wrap(err, "load tracking")
	}

	now := r.now().UTC()
	if err := r.store.StampLastChecked(ctx, t.ID, now); err != nil {
		metrics.ReconcileTotal.WithLabelValues("db_error").Inc()
		return errors.Wrap(err, "stamp last_checked")
	}

	snap, err := r.registry.ClientFor(t.Provider).GetTracking(ctx, t.TrackingNumber, strDeref(t.CarrierCode))
	if err != nil {
		metrics.CarrierAPIFailure.WithLabelValues(t.Provider).Inc()
		metrics.ReconcileTotal.WithLabelValues("carrier_error").Inc()
		r.log.Warn("carrier lookup failed",
			"trackingId", t.ID, "provider", t.Provider, "error", err)

		msg := err.Error()
		_, applyErr := r.store.ApplyReconcile(ctx, pgtracking.ReconcileUpdate{
			TrackingID:  t.ID,
			CheckedAt:   now,
			NextCheckAt: r.planner.Backoff(t.CheckFailCount+1, now),
			Error:       &msg,
		})
		if applyErr != nil {
			return errors.Wrap(applyErr, "record carrier error")
		}
		r.publish(ctx, t, now, 0, &msg)
		return nil
	}
	metrics.CarrierAPISuccess.WithLabelValues(t.Provider).Inc()

	if snap.Empty() {
		metrics.ReconcileTotal.WithLabelValues("empty").Inc()
		if err := r.store.ScheduleNextCheck(ctx, t.ID, r.planner.Plan(t.Status, now)); err != nil {
			return errors.Wrap(err, "schedule next check")
		}
		return nil
	}

	updated, events := r.merge(t, snap, now)

	inserted, err := r.store.ApplyReconcile(ctx, pgtracking.ReconcileUpdate{
		TrackingID:         t.ID,
		CheckedAt:          now,
		Status:             updated.Status,
		StatusDescription:  snap.StatusDescription,
		OriginCountry:      snap.OriginCountry,
		DestinationCountry: snap.DestinationCountry,
		EstimatedDelivery:  snap.EstimatedDelivery,
		ShippedAt:          snap.ShippedAt,
		DeliveredAt:        updated.DeliveredAt,
		Carrier:            snap.Carrier,
		CarrierCode:        snap.CarrierCode,
		ExternalID:         snap.ExternalID,
		Metadata:           snap.Metadata,
		NextCheckAt:        r.planner.Plan(updated.Status, now),
		Events:             events,
	})
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("db_error").Inc()
		return errors.Wrap(err, "apply reconcile")
	}

	statusChanged := updated.Status != t.Status
	if statusChanged {
		metrics.ReconcileTotal.WithLabelValues("updated").Inc()
	} else {
		metrics.ReconcileTotal.WithLabelValues("unchanged").Inc()
	}

	// Диспетчер получает каждую успешную сверку: письма клиенту он
	// шлёт только на переходе статуса, webhook — на каждой сверке.
	settings, err := r.store.GetSettings(ctx, t.UserID)
	if err != nil && err != pgtracking.ErrNotFound {
		r.log.Error("load settings for notify", "userId", t.UserID, "error", err)
	}
	r.notify.Dispatch(ctx, updated, settings, statusChanged)

	r.invalidateCache(ctx, t.ID)
	r.publish(ctx, updated, now, inserted, nil)
	return nil
}

// merge накладывает снапшот на запись: снапшот выигрывает там, где он
// что-то знает, carrier/carrier_code только заполняют пустоту,
// delivered_at пишется строго при статусе delivered.
func (r *Reconciler) merge(t *models.Tracking, snap carrier.Snapshot, now time.Time) (*models.Tracking, []*models.TrackingEvent) {
	updated := *t

	if snap.Status != "" && models.ValidStatus(snap.Status) {
		updated.Status = snap.Status
	}
	if snap.StatusDescription != nil {
		updated.StatusDescription = snap.StatusDescription
	}
	if snap.OriginCountry != nil {
		updated.OriginCountry = snap.OriginCountry
	}
	if snap.DestinationCountry != nil {
		updated.DestinationCountry = snap.DestinationCountry
	}
	if snap.EstimatedDelivery != nil {
		updated.EstimatedDelivery = snap.EstimatedDelivery
	}
	if snap.ShippedAt != nil {
		updated.ShippedAt = snap.ShippedAt
	}
	if updated.Carrier == nil && snap.Carrier != nil {
		updated.Carrier = snap.Carrier
	}
	if updated.CarrierCode == nil && snap.CarrierCode != nil {
		updated.CarrierCode = snap.CarrierCode
	}
	if snap.ExternalID != nil {
		updated.ExternalID = snap.ExternalID
	}

	// delivered_at существует только вместе со статусом delivered.
	if updated.Status == models.TrackingStatusDelivered {
		switch {
		case snap.DeliveredAt != nil:
			updated.DeliveredAt = snap.DeliveredAt
		case t.DeliveredAt != nil:
			updated.DeliveredAt = t.DeliveredAt
		default:
			deliveredAt := now
			updated.DeliveredAt = &deliveredAt
		}
	} else {
		updated.DeliveredAt = nil
	}

	updated.LastChecked = &now

	var events []*models.TrackingEvent
	for _, e := range snap.Events {
		events = append(events, &models.TrackingEvent{
			TrackingID:  t.ID,
			Status:      e.Status,
			Description: e.Description,
			Location:    e.Location,
			EventTime:   e.EventTime.UTC(),
			Message:     e.Message,
			Metadata:    e.Metadata,
		})
	}

	// Провайдер сменил статус, но событий не отдал: синтезируем запись,
	// чтобы леджер оставался полной историей статусов.
	if len(events) == 0 && updated.Status != t.Status {
		events = append(events, &models.TrackingEvent{
			TrackingID:  t.ID,
			Status:      updated.Status,
			Description: updated.StatusDescription,
			EventTime:   now,
		})
	}

	return &updated, events
}

func (r *Reconciler) publish(ctx context.Context, t *models.Tracking, checkedAt time.Time, newEvents int, sendErr *string) {
	if r.producer == nil {
		return
	}

	msg := messages.TrackingUpdated{
		TrackingID:  t.ID,
		UserID:      t.UserID,
		CheckedAt:   checkedAt,
		Status:      t.Status,
		DeliveredAt: t.DeliveredAt,
		NewEvents:   newEvents,
		Error:       sendErr,
	}
	if t.StatusDescription != nil {
		msg.StatusDescription = *t.StatusDescription
	}

	body, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal tracking.updated", "trackingId", t.ID, "error", err)
		return
	}
	key := []byte(strconv.FormatUint(t.ID, 10))
	if err := r.producer.Publish(ctx, r.topic, key, body); err != nil {
		// Kafka best-effort: сверка уже зафиксирована в БД.
		r.log.Warn("publish tracking.updated", "trackingId", t.ID, "error", err)
	}
}

func (r *Reconciler) invalidateCache(ctx context.Context, trackingID uint64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, CurrentStatusKey(trackingID)); err != nil {
		r.log.Warn("drop current status cache", "trackingId", trackingID, "error", err)
	}
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
