package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/services/trackings"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{}

func (fakeStore) CreateOrGetTracking(_ context.Context, userID string, in models.TrackingCreateInput, nextCheckAt time.Time) (*models.Tracking, bool, error) {
	return &models.Tracking{ID: 1, UserID: userID, TrackingNumber: in.TrackingNumber, NextCheckAt: nextCheckAt}, true, nil
}
func (fakeStore) GetTracking(_ context.Context, _ uint64, _ string) (*models.Tracking, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStore) GetTrackingByNumber(_ context.Context, _, _ string) (*models.Tracking, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStore) ListTrackings(_ context.Context, _ string, _ pgtracking.ListFilter) ([]*models.Tracking, error) {
	return nil, nil
}
func (fakeStore) UpdateTracking(_ context.Context, _ uint64, _ string, _ models.TrackingUpdateInput) (*models.Tracking, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStore) DeleteTracking(_ context.Context, _ uint64, _ string) error {
	return pgtracking.ErrNotFound
}
func (fakeStore) MarkForRefresh(_ context.Context, _ uint64) error { return nil }
func (fakeStore) ListTrackingEvents(_ context.Context, _ uint64, _, _ int) ([]*models.TrackingEvent, error) {
	return nil, nil
}
func (fakeStore) ListNotifications(_ context.Context, _ uint64, _ int) ([]*models.TrackingNotification, error) {
	return nil, nil
}
func (fakeStore) GetOrCreateSettings(_ context.Context, userID string) (*models.TrackingSettings, error) {
	return &models.TrackingSettings{UserID: userID, DefaultProvider: models.ProviderSeventeenTrack}, nil
}
func (fakeStore) UpdateSettings(_ context.Context, _ string, _ models.SettingsUpdateInput) (*models.TrackingSettings, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStore) ListCarriers(_ context.Context, _ *string, _ bool) ([]*models.CarrierInfo, error) {
	return nil, nil
}
func (fakeStore) TrackingStats(_ context.Context, _ string, _, _ time.Time) (*models.TrackingStats, error) {
	return &models.TrackingStats{}, nil
}

type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type noopReconciler struct{}

func (noopReconciler) Reconcile(_ context.Context, _ uint64) error { return nil }

type noopNotifier struct{}

func (noopNotifier) SendManual(_ context.Context, t *models.Tracking, channel, recipient string) (*models.TrackingNotification, error) {
	return &models.TrackingNotification{TrackingID: t.ID, Channel: channel, Recipient: recipient}, nil
}

func TestRunTrackAPI_ServesSwaggerAndHealth(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	svc := trackings.New(fakeStore{}, noopReconciler{}, noopNotifier{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := trackAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   sw,
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runTrackAPI(ctx, opts, svc, fakeConsumer{}) }()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "\"swagger\"")

	resp, err = http.Get("http://" + httpAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	// Бизнес-маршруты требуют X-User-ID.
	resp, err = http.Get("http://" + httpAddr + "/trackings")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}

func TestRunTrackAPI_RequiresSwaggerFile(t *testing.T) {
	svc := trackings.New(fakeStore{}, noopReconciler{}, noopNotifier{}, slog.Default())
	err := runTrackAPI(context.Background(), trackAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/no/such/file"}, svc, fakeConsumer{})
	require.Error(t, err)
}
