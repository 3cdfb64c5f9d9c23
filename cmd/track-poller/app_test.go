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

	"github.com/DropFlow/TrackFlow/config"
	"github.com/DropFlow/TrackFlow/internal/broker/kafka"
	"github.com/DropFlow/TrackFlow/internal/cache/rediscache"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier/mockcarrier"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/services/poller"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct{}

func (fakeStorage) ClaimDueTrackings(_ context.Context, _ time.Time, _ int, _ time.Duration) ([]*models.Tracking, error) {
	return nil, nil
}
func (fakeStorage) GetTrackingByID(_ context.Context, _ uint64) (*models.Tracking, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStorage) StampLastChecked(_ context.Context, _ uint64, _ time.Time) error    { return nil }
func (fakeStorage) ScheduleNextCheck(_ context.Context, _ uint64, _ time.Time) error   { return nil }
func (fakeStorage) ApplyReconcile(_ context.Context, _ pgtracking.ReconcileUpdate) (int, error) {
	return 0, nil
}
func (fakeStorage) GetSettings(_ context.Context, _ string) (*models.TrackingSettings, error) {
	return nil, pgtracking.ErrNotFound
}
func (fakeStorage) CreateNotification(_ context.Context, _ string, _ uint64, _, _, _ string) (*models.TrackingNotification, error) {
	return &models.TrackingNotification{}, nil
}
func (fakeStorage) MarkNotificationSent(_ context.Context, _ uint64, _ string, _ time.Time) error {
	return nil
}
func (fakeStorage) MarkNotificationFailed(_ context.Context, _ uint64, _, _ string) error {
	return nil
}

func testFactories(closed *bool) pollerFactories {
	return pollerFactories{
		newStorage: func(_ *config.Config) (pollerStorage, func(), error) {
			return fakeStorage{}, func() { *closed = true }, nil
		},
		newProducer: func(_ *config.Config) *kafka.Producer {
			return kafka.NewProducer([]string{"localhost:9092"})
		},
		newRateLimiter: func(_ *config.Config) poller.RateLimiter { return nil },
		newCache:       func(_ *config.Config) rediscache.BytesCache { return nil },
		newCarrierClient: func(_ *config.Config) *carrier.Registry {
			return carrier.NewRegistry(mockcarrier.New())
		},
	}
}

func TestRunTrackPoller_ContextCanceled(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	t.Setenv("swaggerPath", sw)

	closed := false
	cfg := &config.Config{
		Kafka:     config.KafkaConfig{TrackingUpdatedTopicName: "t"},
		TrackFlow: config.TrackFlowConfig{PollerIntervalSeconds: 1, PollerHTTPAddr: "127.0.0.1:0"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTrackPoller(ctx, cfg, testFactories(&closed))
	require.Error(t, err)
	require.True(t, closed)
}

func TestPollerHTTPServer_AdminEndpoints(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	repo := fakeStorage{}
	rec := noopReconciler{}
	p := poller.New(repo, rec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runPollerHTTPServer(ctx, pollerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			poller:      p,
			cfg:         &config.Config{},
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "totalClaimed")

	resp, err = http.Post("http://"+addr+"/trigger", "application/json", nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `"triggered":true`)

	resp, err = http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	<-errCh
}

type noopReconciler struct{}

func (noopReconciler) Reconcile(_ context.Context, _ uint64) error { return nil }
