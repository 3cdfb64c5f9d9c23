package tracker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DropFlow/TrackFlow/config"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/notify"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tracking *models.Tracking
	settings *models.TrackingSettings

	stamped   []time.Time
	scheduled []time.Time
	applied   []pgtracking.ReconcileUpdate
	inserted  int
}

func (f *fakeStore) GetTrackingByID(_ context.Context, _ uint64) (*models.Tracking, error) {
	return f.tracking, nil
}

func (f *fakeStore) StampLastChecked(_ context.Context, _ uint64, at time.Time) error {
	f.stamped = append(f.stamped, at)
	return nil
}

func (f *fakeStore) ScheduleNextCheck(_ context.Context, _ uint64, at time.Time) error {
	f.scheduled = append(f.scheduled, at)
	return nil
}

func (f *fakeStore) ApplyReconcile(_ context.Context, upd pgtracking.ReconcileUpdate) (int, error) {
	f.applied = append(f.applied, upd)
	return f.inserted, nil
}

func (f *fakeStore) GetSettings(_ context.Context, _ string) (*models.TrackingSettings, error) {
	if f.settings == nil {
		return nil, pgtracking.ErrNotFound
	}
	return f.settings, nil
}

type fakeNotifier struct {
	dispatched []*models.Tracking
	changed    []bool
}

func (f *fakeNotifier) Dispatch(_ context.Context, t *models.Tracking, _ *models.TrackingSettings, statusChanged bool) {
	f.dispatched = append(f.dispatched, t)
	f.changed = append(f.changed, statusChanged)
}

type fakeCarrier struct {
	snap carrier.Snapshot
	err  error
}

func (f *fakeCarrier) GetTracking(_ context.Context, _ string, _ string) (carrier.Snapshot, error) {
	return f.snap, f.err
}

type fakePublisher struct {
	topics []string
	values [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _ []byte, value []byte) error {
	f.topics = append(f.topics, topic)
	f.values = append(f.values, value)
	return nil
}

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func newTestReconciler(store *fakeStore, c carrier.Client, n *fakeNotifier) *Reconciler {
	planner := NewPlanner(config.TrackFlowConfig{})
	planner.randInt = func(int) int { return 0 }
	return NewReconciler(store, carrier.NewRegistry(c), n, planner, slog.Default()).
		WithClock(func() time.Time { return testNow })
}

func baseTracking() *models.Tracking {
	return &models.Tracking{
		ID:             7,
		UserID:         "user-1",
		TrackingNumber: "LP00123456789FR",
		Provider:       models.ProviderSeventeenTrack,
		Status:         models.TrackingStatusInTransit,
	}
}

func TestReconcileStatusChangeDispatchesAndPublishes(t *testing.T) {
	store := &fakeStore{tracking: baseTracking(), inserted: 1}
	notif := &fakeNotifier{}
	pub := &fakePublisher{}

	eventTime := testNow.Add(-2 * time.Hour)
	c := &fakeCarrier{snap: carrier.Snapshot{
		Status:            models.TrackingStatusDelivered,
		StatusDescription: strPtr("Delivered to recipient"),
		DeliveredAt:       &eventTime,
		Events: []carrier.SnapshotEvent{
			{Status: models.TrackingStatusDelivered, EventTime: eventTime},
		},
	}}

	r := newTestReconciler(store, c, notif).WithProducer(pub, "tracking.updated")
	require.NoError(t, r.Reconcile(context.Background(), 7))

	require.Len(t, store.stamped, 1)
	require.Len(t, store.applied, 1)

	upd := store.applied[0]
	require.Equal(t, models.TrackingStatusDelivered, upd.Status)
	require.NotNil(t, upd.DeliveredAt)
	require.Equal(t, eventTime, *upd.DeliveredAt)
	require.Len(t, upd.Events, 1)

	require.Len(t, notif.dispatched, 1)
	require.Equal(t, models.TrackingStatusDelivered, notif.dispatched[0].Status)
	require.Equal(t, []bool{true}, notif.changed)

	require.Equal(t, []string{"tracking.updated"}, pub.topics)
	require.Contains(t, string(pub.values[0]), `"new_events":1`)
}

func TestReconcileUnchangedStatusStillDispatches(t *testing.T) {
	store := &fakeStore{tracking: baseTracking()}
	notif := &fakeNotifier{}

	c := &fakeCarrier{snap: carrier.Snapshot{
		Status: models.TrackingStatusInTransit,
		Events: []carrier.SnapshotEvent{
			{Status: models.TrackingStatusInTransit, EventTime: testNow.Add(-time.Hour)},
		},
	}}

	r := newTestReconciler(store, c, notif)
	require.NoError(t, r.Reconcile(context.Background(), 7))

	// Диспетчер видит и повторное подтверждение статуса: webhook-правило
	// срабатывает на каждой сверке, поэтому пропускать вызов нельзя.
	require.Len(t, store.applied, 1)
	require.Len(t, notif.dispatched, 1)
	require.Equal(t, []bool{false}, notif.changed)
}

// notificationLog реализует журнал уведомлений для настоящего диспетчера.
type notificationLog struct {
	created []*models.TrackingNotification
}

func (l *notificationLog) CreateNotification(_ context.Context, deliveryID string, trackingID uint64, channel, recipient, triggerEvent string) (*models.TrackingNotification, error) {
	n := &models.TrackingNotification{
		ID:           uint64(len(l.created) + 1),
		DeliveryID:   deliveryID,
		TrackingID:   trackingID,
		Channel:      channel,
		Recipient:    recipient,
		Status:       models.NotificationStatusPending,
		TriggerEvent: triggerEvent,
	}
	l.created = append(l.created, n)
	return n, nil
}

func (l *notificationLog) MarkNotificationSent(_ context.Context, _ uint64, _ string, _ time.Time) error {
	return nil
}

func (l *notificationLog) MarkNotificationFailed(_ context.Context, _ uint64, _ string, _ string) error {
	return nil
}

type recordingSender struct {
	msgs []notify.Message
}

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestReconcileUnchangedStatusFiresWebhook(t *testing.T) {
	store := &fakeStore{
		tracking: baseTracking(),
		settings: &models.TrackingSettings{
			UserID:               "user-1",
			NotifyCustomer:       true,
			NotificationChannels: []string{"email"},
			WebhookURL:           strPtr("https://shop.example.fr/hooks/tracking"),
		},
	}

	hook := &recordingSender{}
	log := &notificationLog{}
	d := notify.NewDispatcher(log, slog.Default()).
		WithSender(models.NotificationChannelWebhook, hook)

	// Провайдер подтверждает тот же in_transit, что уже в записи.
	c := &fakeCarrier{snap: carrier.Snapshot{
		Status: models.TrackingStatusInTransit,
		Events: []carrier.SnapshotEvent{
			{Status: models.TrackingStatusInTransit, EventTime: testNow.Add(-time.Hour)},
		},
	}}

	planner := NewPlanner(config.TrackFlowConfig{})
	planner.randInt = func(int) int { return 0 }
	r := NewReconciler(store, carrier.NewRegistry(c), d, planner, slog.Default()).
		WithClock(func() time.Time { return testNow })

	require.NoError(t, r.Reconcile(context.Background(), 7))

	// Ровно один status_update webhook, писем клиенту нет.
	require.Len(t, log.created, 1)
	require.Equal(t, models.NotificationChannelWebhook, log.created[0].Channel)
	require.Equal(t, models.TriggerStatusUpdate, log.created[0].TriggerEvent)
	require.Len(t, hook.msgs, 1)
	require.Contains(t, hook.msgs[0].Content, `"event":"status_update"`)
}

func TestReconcileCarrierErrorRecordsBackoff(t *testing.T) {
	tr := baseTracking()
	tr.CheckFailCount = 1
	store := &fakeStore{tracking: tr}
	notif := &fakeNotifier{}

	c := &fakeCarrier{err: errors.New("upstream 503")}
	r := newTestReconciler(store, c, notif)

	require.NoError(t, r.Reconcile(context.Background(), 7))

	require.Len(t, store.applied, 1)
	upd := store.applied[0]
	require.NotNil(t, upd.Error)
	require.Equal(t, "upstream 503", *upd.Error)
	// Вторая ошибка подряд — вторая ступень лестницы, 15 минут.
	require.Equal(t, testNow.Add(15*time.Minute), upd.NextCheckAt)
	require.Empty(t, notif.dispatched)
}

func TestReconcileEmptySnapshotLeavesRecordAlone(t *testing.T) {
	store := &fakeStore{tracking: baseTracking()}
	notif := &fakeNotifier{}

	r := newTestReconciler(store, &fakeCarrier{}, notif)
	require.NoError(t, r.Reconcile(context.Background(), 7))

	require.Empty(t, store.applied)
	require.Len(t, store.scheduled, 1)
	require.Empty(t, notif.dispatched)
}

func TestReconcileSynthesizesEventOnBareStatusChange(t *testing.T) {
	store := &fakeStore{tracking: baseTracking()}
	c := &fakeCarrier{snap: carrier.Snapshot{
		Status:            models.TrackingStatusOutForDelivery,
		StatusDescription: strPtr("Out for delivery"),
	}}

	r := newTestReconciler(store, c, &fakeNotifier{})
	require.NoError(t, r.Reconcile(context.Background(), 7))

	require.Len(t, store.applied, 1)
	require.Len(t, store.applied[0].Events, 1)
	require.Equal(t, models.TrackingStatusOutForDelivery, store.applied[0].Events[0].Status)
	require.Equal(t, testNow, store.applied[0].Events[0].EventTime)
}

func TestReconcileClearsDeliveredAtWhenNotDelivered(t *testing.T) {
	tr := baseTracking()
	deliveredAt := testNow.Add(-48 * time.Hour)
	tr.Status = models.TrackingStatusDelivered
	tr.DeliveredAt = &deliveredAt
	store := &fakeStore{tracking: tr}

	// Перевозчик "передумал": статус откатился в exception.
	c := &fakeCarrier{snap: carrier.Snapshot{
		Status: models.TrackingStatusException,
		Events: []carrier.SnapshotEvent{
			{Status: models.TrackingStatusException, EventTime: testNow.Add(-time.Hour)},
		},
	}}

	r := newTestReconciler(store, c, &fakeNotifier{})
	require.NoError(t, r.Reconcile(context.Background(), 7))

	require.Len(t, store.applied, 1)
	require.Nil(t, store.applied[0].DeliveredAt)
}

func TestReconcileCarrierFillsBlanksOnly(t *testing.T) {
	tr := baseTracking()
	tr.Carrier = strPtr("Colissimo")
	store := &fakeStore{tracking: tr}

	c := &fakeCarrier{snap: carrier.Snapshot{
		Status:  models.TrackingStatusInTransit,
		Carrier: strPtr("La Poste"),
		Events: []carrier.SnapshotEvent{
			{Status: models.TrackingStatusInTransit, EventTime: testNow},
		},
	}}

	notif := &fakeNotifier{}
	r := newTestReconciler(store, c, notif)
	require.NoError(t, r.Reconcile(context.Background(), 7))

	// В ApplyReconcile carrier уходит как есть: COALESCE(carrier, $n)
	// на стороне SQL сохраняет существующее значение.
	require.Len(t, store.applied, 1)
}

func TestPlannerLadder(t *testing.T) {
	p := NewPlanner(config.TrackFlowConfig{})

	require.Equal(t, testNow.Add(5*time.Minute), p.Backoff(1, testNow))
	require.Equal(t, testNow.Add(15*time.Minute), p.Backoff(2, testNow))
	require.Equal(t, testNow.Add(30*time.Minute), p.Backoff(3, testNow))
	require.Equal(t, testNow.Add(time.Hour), p.Backoff(4, testNow))
	// За пределами лестницы — последняя ступень.
	require.Equal(t, testNow.Add(time.Hour), p.Backoff(9, testNow))
}

func TestPlannerParksTerminalStatuses(t *testing.T) {
	p := NewPlanner(config.TrackFlowConfig{})

	require.Equal(t, testNow.Add(parked), p.Plan(models.TrackingStatusDelivered, testNow))
	require.Equal(t, testNow.Add(parked), p.Plan(models.TrackingStatusExpired, testNow))
	require.Equal(t, testNow.Add(6*time.Hour), p.Plan(models.TrackingStatusException, testNow))
	require.Equal(t, testNow.Add(90*time.Minute), p.Plan(models.TrackingStatusUnknown, testNow))
}
