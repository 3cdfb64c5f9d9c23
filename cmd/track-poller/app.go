package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/DropFlow/TrackFlow/config"
	"github.com/DropFlow/TrackFlow/internal/broker/kafka"
	"github.com/DropFlow/TrackFlow/internal/cache/rediscache"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier/mockcarrier"
	"github.com/DropFlow/TrackFlow/internal/integrations/carrier/seventeentrack"
	"github.com/DropFlow/TrackFlow/internal/metrics"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/notify"
	"github.com/DropFlow/TrackFlow/internal/services/poller"
	"github.com/DropFlow/TrackFlow/internal/services/tracker"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
)

// pollerStorage — всё, что нужно поллеру от БД: claim пачки,
// запись результата сверки и журнал уведомлений.
type pollerStorage interface {
	ClaimDueTrackings(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Tracking, error)
	GetTrackingByID(ctx context.Context, id uint64) (*models.Tracking, error)
	StampLastChecked(ctx context.Context, id uint64, at time.Time) error
	ScheduleNextCheck(ctx context.Context, id uint64, at time.Time) error
	ApplyReconcile(ctx context.Context, upd pgtracking.ReconcileUpdate) (int, error)
	GetSettings(ctx context.Context, userID string) (*models.TrackingSettings, error)
	CreateNotification(ctx context.Context, deliveryID string, trackingID uint64, channel, recipient, triggerEvent string) (*models.TrackingNotification, error)
	MarkNotificationSent(ctx context.Context, id uint64, content string, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uint64, content string, errMsg string) error
}

type pollerFactories struct {
	newStorage       func(cfg *config.Config) (pollerStorage, func(), error)
	newProducer      func(cfg *config.Config) *kafka.Producer
	newRateLimiter   func(cfg *config.Config) poller.RateLimiter
	newCache         func(cfg *config.Config) rediscache.BytesCache
	newCarrierClient func(cfg *config.Config) *carrier.Registry
}

func defaultPollerFactories() pollerFactories {
	return pollerFactories{
		newStorage: func(cfg *config.Config) (pollerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgtracking.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) *kafka.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCache: func(cfg *config.Config) rediscache.BytesCache {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.New(redisAddr)
		},
		newCarrierClient: func(cfg *config.Config) *carrier.Registry {
			// 17track при наличии ключа; всё остальное обслуживает mock.
			registry := carrier.NewRegistry(mockcarrier.New())
			if cfg.TrackFlow.SeventeenTrackAPIKey != "" {
				registry.Register(models.ProviderSeventeenTrack, seventeentrack.New(
					cfg.TrackFlow.SeventeenTrackBaseURL,
					cfg.TrackFlow.SeventeenTrackAPIKey,
				))
			}
			return registry
		},
	}
}

func RunTrackPoller(ctx context.Context, cfg *config.Config, f pollerFactories) error {
	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = "tracking.updated"
	}

	pollInterval := time.Duration(cfg.TrackFlow.PollerIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.TrackFlow.PollerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.TrackFlow.PollerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.TrackFlow.PollerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.TrackFlow.PollerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	log := slog.Default()
	metrics.MustRegister()

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	cache := f.newCache(cfg)
	registry := f.newCarrierClient(cfg)

	dispatcher := buildDispatcher(cfg, st, log)

	rec := tracker.NewReconciler(st, registry, dispatcher, tracker.NewPlanner(cfg.TrackFlow), log).
		WithProducer(producer, topic).
		WithCache(cache)

	p := poller.New(st, rec, rl, log).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runPollerHTTPServer(ctx, pollerHTTPOpts{
			httpAddr:    cfg.TrackFlow.PollerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			poller:      p,
			cfg:         cfg,
		})
	}()

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-pollErr:
		return err
	}
}

// buildDispatcher собирает транспорты уведомлений из конфига;
// несконфигурированный канал остаётся без транспорта.
func buildDispatcher(cfg *config.Config, st pollerStorage, log *slog.Logger) *notify.Dispatcher {
	d := notify.NewDispatcher(st, log)

	webhookTimeout := time.Duration(cfg.TrackFlow.WebhookTimeoutSeconds) * time.Second
	d.WithSender(models.NotificationChannelWebhook, notify.NewWebhookSender(webhookTimeout))

	if cfg.TrackFlow.SendgridAPIKey != "" {
		d.WithSender(models.NotificationChannelEmail, notify.NewSendgridSender(
			cfg.TrackFlow.SendgridAPIKey,
			cfg.TrackFlow.SendgridFromName,
			cfg.TrackFlow.SendgridFromEmail,
		))
	}
	if cfg.TrackFlow.TwilioAccountSID != "" {
		d.WithSender(models.NotificationChannelSMS, notify.NewTwilioSender(
			cfg.TrackFlow.TwilioAccountSID,
			cfg.TrackFlow.TwilioAuthToken,
			cfg.TrackFlow.TwilioFromNumber,
		))
	}
	if cfg.TrackFlow.PushGatewayURL != "" {
		d.WithSender(models.NotificationChannelPush, notify.NewPushSender(cfg.TrackFlow.PushGatewayURL, 0))
	}
	return d
}
