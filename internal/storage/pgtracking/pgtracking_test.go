package pgtracking

import (
	"context"
	"testing"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "trackflow_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/trackflow_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGTracking_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	now := time.Now().UTC()
	email := "client@example.com"

	first, created, err := st.CreateOrGetTracking(ctx, "user-1", models.TrackingCreateInput{
		TrackingNumber: "LP123456789FR",
		CustomerEmail:  &email,
	}, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	require.NotZero(t, first.ID)
	require.Equal(t, models.TrackingStatusPending, first.Status)
	require.Equal(t, models.ProviderSeventeenTrack, first.Provider)

	// повторный вызов с тем же номером возвращает ту же строку
	again, created, err := st.CreateOrGetTracking(ctx, "user-1", models.TrackingCreateInput{
		TrackingNumber: "LP123456789FR",
	}, now)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	second, created, err := st.CreateOrGetTracking(ctx, "user-1", models.TrackingCreateInput{
		TrackingNumber: "1Z999AA10123456784",
	}, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	// видимость строго в пределах владельца
	_, err = st.GetTracking(ctx, first.ID, "user-2")
	require.ErrorIs(t, err, ErrNotFound)
	got, err := st.GetTrackingByNumber(ctx, "user-1", "LP123456789FR")
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	inTransit := models.TrackingStatusInTransit
	list, err := st.ListTrackings(ctx, "user-1", ListFilter{Status: &inTransit})
	require.NoError(t, err)
	require.Empty(t, list)
	list, err = st.ListTrackings(ctx, "user-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Делаем ровно один трек "due" и проверяем ClaimDueTrackings + lease
	_, err = st.db.Exec(ctx, `UPDATE trackings SET next_check_at = now() - interval '1 minute' WHERE id = $1`, first.ID)
	require.NoError(t, err)

	lease := 10 * time.Second
	due, err := st.ClaimDueTrackings(ctx, time.Now().UTC(), 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, first.ID, due[0].ID)
	require.WithinDuration(t, time.Now().UTC().Add(lease), due[0].NextCheckAt, 2*time.Second)

	// успешная сверка: merged-состояние + события
	desc := "Colis en transit"
	evTime := now.Truncate(time.Second)
	inserted, err := st.ApplyReconcile(ctx, ReconcileUpdate{
		TrackingID:        first.ID,
		CheckedAt:         now,
		Status:            models.TrackingStatusInTransit,
		StatusDescription: &desc,
		NextCheckAt:       now.Add(30 * time.Minute),
		Events: []*models.TrackingEvent{
			{Status: models.TrackingStatusInTransit, Description: &desc, EventTime: evTime},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	// дубли отсекаются индексом (tracking_id, status, event_time)
	inserted, err = st.ApplyReconcile(ctx, ReconcileUpdate{
		TrackingID:  first.ID,
		CheckedAt:   now,
		Status:      models.TrackingStatusInTransit,
		NextCheckAt: now.Add(30 * time.Minute),
		Events: []*models.TrackingEvent{
			{Status: models.TrackingStatusInTransit, EventTime: evTime},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	evs, err := st.ListTrackingEvents(ctx, first.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.WithinDuration(t, evTime, evs[0].EventTime, time.Second)

	got, err = st.GetTrackingByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusInTransit, got.Status)
	require.Equal(t, int32(0), got.CheckFailCount)
	require.NotNil(t, got.LastUpdate)

	// ошибка провайдера копит счётчик фейлов, состояние не трогает
	msg := "carrier timeout"
	_, err = st.ApplyReconcile(ctx, ReconcileUpdate{
		TrackingID:  first.ID,
		CheckedAt:   now,
		NextCheckAt: now.Add(5 * time.Minute),
		Error:       &msg,
	})
	require.NoError(t, err)
	got, err = st.GetTrackingByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, int32(1), got.CheckFailCount)
	require.Equal(t, models.TrackingStatusInTransit, got.Status)
	require.NotNil(t, got.LastError)

	// ScheduleNextCheck сбрасывает фейлы
	require.NoError(t, st.ScheduleNextCheck(ctx, first.ID, now.Add(90*time.Minute)))
	got, err = st.GetTrackingByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, int32(0), got.CheckFailCount)
	require.Nil(t, got.LastError)

	require.NoError(t, st.MarkForRefresh(ctx, second.ID))
	got, err = st.GetTrackingByID(ctx, second.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, got.NextCheckAt.Unix(), time.Now().Unix())

	// delete строго в пределах владельца
	require.ErrorIs(t, st.DeleteTracking(ctx, second.ID, "user-2"), ErrNotFound)
	require.NoError(t, st.DeleteTracking(ctx, second.ID, "user-1"))
	_, err = st.GetTracking(ctx, second.ID, "user-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGTracking_SettingsAndNotifications(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	_, err := st.GetSettings(ctx, "user-1")
	require.ErrorIs(t, err, ErrNotFound)

	set, err := st.GetOrCreateSettings(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, set.NotifyCustomer)
	require.Equal(t, []string{"email"}, set.NotificationChannels)

	hook := "https://shop.example.com/hooks/tracking"
	notify := false
	set, err = st.UpdateSettings(ctx, "user-1", models.SettingsUpdateInput{
		NotifyCustomer:       &notify,
		NotificationChannels: []string{"email", "webhook"},
		WebhookURL:           &hook,
	})
	require.NoError(t, err)
	require.False(t, set.NotifyCustomer)
	require.Equal(t, []string{"email", "webhook"}, set.NotificationChannels)
	require.Equal(t, hook, *set.WebhookURL)

	now := time.Now().UTC()
	tr, _, err := st.CreateOrGetTracking(ctx, "user-1", models.TrackingCreateInput{TrackingNumber: "N1"}, now)
	require.NoError(t, err)

	n, err := st.CreateNotification(ctx, "d-1", tr.ID, models.NotificationChannelEmail, "client@example.com", models.TriggerDelivery)
	require.NoError(t, err)
	require.Equal(t, models.NotificationStatusPending, n.Status)

	require.NoError(t, st.MarkNotificationSent(ctx, n.ID, "Votre colis est livré", now))
	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationStatusSent, got.Status)
	require.NotNil(t, got.SentAt)

	// терминальная строка не мутируется
	require.NoError(t, st.MarkNotificationFailed(ctx, n.ID, "", "late failure"))
	got, err = st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationStatusSent, got.Status)

	all, err := st.ListNotifications(ctx, tr.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)

	carriers, err := st.ListCarriers(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, carriers, 8)

	fr := "FR"
	carriers, err = st.ListCarriers(ctx, &fr, true)
	require.NoError(t, err)
	require.NotEmpty(t, carriers)
	for _, c := range carriers {
		require.Contains(t, c.Countries, "FR")
	}
}

func TestPGTracking_Stats(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	now := time.Now().UTC()
	mk := func(num string) *models.Tracking {
		tr, _, err := st.CreateOrGetTracking(ctx, "user-1", models.TrackingCreateInput{TrackingNumber: num}, now.Add(time.Hour))
		require.NoError(t, err)
		return tr
	}
	delivered := mk("S1")
	mk("S2")
	exception := mk("S3")

	shipped := now.Add(-96 * time.Hour)
	eta := now.Add(time.Hour)
	deliveredAt := now.Add(-time.Hour)
	_, err := st.db.Exec(ctx, `
UPDATE trackings SET status = $2, shipped_at = $3, estimated_delivery = $4, delivered_at = $5 WHERE id = $1`,
		delivered.ID, models.TrackingStatusDelivered, shipped, eta, deliveredAt)
	require.NoError(t, err)
	_, err = st.db.Exec(ctx, `UPDATE trackings SET status = $2 WHERE id = $1`, exception.ID, models.TrackingStatusException)
	require.NoError(t, err)

	stats, err := st.TrackingStats(ctx, "user-1", now.Add(-30*24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalTrackings)
	require.InDelta(t, 100.0/3.0, stats.ExceptionRate, 0.1)
	require.NotNil(t, stats.AverageDeliveryDays)
	require.InDelta(t, 95.0/24.0, *stats.AverageDeliveryDays, 0.1)
	require.NotNil(t, stats.OnTimeDeliveryRate)
	require.InDelta(t, 100.0, *stats.OnTimeDeliveryRate, 0.1)

	byStatus := map[string]int64{}
	for _, sc := range stats.StatusCounts {
		byStatus[sc.Status] = sc.Count
	}
	require.Equal(t, int64(1), byStatus[models.TrackingStatusDelivered])
	require.Equal(t, int64(1), byStatus[models.TrackingStatusException])
	require.Equal(t, int64(1), byStatus[models.TrackingStatusPending])
	require.Equal(t, int64(0), byStatus[models.TrackingStatusInTransit])

	// чужой пользователь видит пустую статистику
	stats, err = st.TrackingStats(ctx, "user-2", now.Add(-30*24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.TotalTrackings)
}
