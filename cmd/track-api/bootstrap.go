package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/DropFlow/TrackFlow/internal/services/tracker"
	"github.com/DropFlow/TrackFlow/internal/services/trackings"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
)

type trackAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackAPIOpts
	svc      *trackings.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.TrackFlow.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.TrackFlow.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = "tracking.updated"
	}
	cacheTTL := time.Duration(cfg.TrackFlow.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	log := slog.Default()
	metrics.MustRegister()

	st := mustOpenPostgresWithRetry(postgresConnString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	dispatcher := buildDispatcher(cfg, st, log)
	registry := buildCarrierRegistry(cfg)

	rec := tracker.NewReconciler(st, registry, dispatcher, tracker.NewPlanner(cfg.TrackFlow), log).
		WithProducer(producer, topic).
		WithCache(rc)

	svc := trackings.New(st, rec, dispatcher, log).WithCache(rc, cacheTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func postgresConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgtracking.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracking.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// buildDispatcher вешает на диспетчер только те транспорты, которые
// реально сконфигурированы; канал без транспорта честно падает в журнал.
func buildDispatcher(cfg *config.Config, st *pgtracking.Storage, log *slog.Logger) *notify.Dispatcher {
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

// buildCarrierRegistry: 17track при наличии ключа, mock как fallback
// и для провайдеров без собственного адаптера.
func buildCarrierRegistry(cfg *config.Config) *carrier.Registry {
	registry := carrier.NewRegistry(mockcarrier.New())
	if cfg.TrackFlow.SeventeenTrackAPIKey != "" {
		registry.Register(models.ProviderSeventeenTrack, seventeentrack.New(
			cfg.TrackFlow.SeventeenTrackBaseURL,
			cfg.TrackFlow.SeventeenTrackAPIKey,
		))
	}
	return registry
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.svc, a.consumer)
}

func isCanceled(err error) bool {
	return err == context.Canceled
}
