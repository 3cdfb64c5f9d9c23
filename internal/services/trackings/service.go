package trackings

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/DropFlow/TrackFlow/internal/broker/messages"
	"github.com/DropFlow/TrackFlow/internal/cache/rediscache"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/services/tracker"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/pkg/errors"
)

// ErrInvalidInput маркирует ошибки валидации; API переводит их в 400.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound пробрасывается из хранилища; API переводит его в 404.
var ErrNotFound = pgtracking.ErrNotFound

type storage interface {
	CreateOrGetTracking(ctx context.Context, userID string, in models.TrackingCreateInput, nextCheckAt time.Time) (*models.Tracking, bool, error)
	GetTracking(ctx context.Context, id uint64, userID string) (*models.Tracking, error)
	GetTrackingByNumber(ctx context.Context, userID, trackingNumber string) (*models.Tracking, error)
	ListTrackings(ctx context.Context, userID string, f pgtracking.ListFilter) ([]*models.Tracking, error)
	UpdateTracking(ctx context.Context, id uint64, userID string, in models.TrackingUpdateInput) (*models.Tracking, error)
	DeleteTracking(ctx context.Context, id uint64, userID string) error
	MarkForRefresh(ctx context.Context, id uint64) error

	ListTrackingEvents(ctx context.Context, trackingID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	ListNotifications(ctx context.Context, trackingID uint64, limit int) ([]*models.TrackingNotification, error)

	GetOrCreateSettings(ctx context.Context, userID string) (*models.TrackingSettings, error)
	UpdateSettings(ctx context.Context, userID string, in models.SettingsUpdateInput) (*models.TrackingSettings, error)

	ListCarriers(ctx context.Context, country *string, activeOnly bool) ([]*models.CarrierInfo, error)
	TrackingStats(ctx context.Context, userID string, from, to time.Time) (*models.TrackingStats, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, trackingID uint64) error
}

type manualNotifier interface {
	SendManual(ctx context.Context, t *models.Tracking, channel, recipient string) (*models.TrackingNotification, error)
}

// Service — прикладная логика поверх хранилища: CRUD, batch-импорт,
// настройки, ручные уведомления и запуск внеочередной сверки.
type Service struct {
	store      storage
	reconciler reconciler
	notifier   manualNotifier
	log        *slog.Logger

	cache    rediscache.BytesCache // nil — без кэша
	cacheTTL time.Duration

	now func() time.Time
}

func New(store storage, rec reconciler, notifier manualNotifier, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		reconciler: rec,
		notifier:   notifier,
		log:        log,
		cacheTTL:   5 * time.Minute,
		now:        time.Now,
	}
}

func (s *Service) WithCache(c rediscache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	if ttl > 0 {
		s.cacheTTL = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) List(ctx context.Context, userID string, f pgtracking.ListFilter) ([]*models.Tracking, error) {
	if f.Status != nil && !models.ValidStatus(*f.Status) {
		return nil, errors.WithMessagef(ErrInvalidInput, "unknown status %q", *f.Status)
	}
	return s.store.ListTrackings(ctx, userID, f)
}

// Get читает трек через кэш текущего состояния. Промах идёт в БД
// и прогревает кэш; владелец проверяется всегда.
func (s *Service) Get(ctx context.Context, userID string, id uint64) (*models.Tracking, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, tracker.CurrentStatusKey(id)); err == nil && ok {
			var t models.Tracking
			if json.Unmarshal(raw, &t) == nil && t.UserID == userID {
				return &t, nil
			}
		}
	}

	t, err := s.store.GetTracking(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.warmCache(ctx, t)
	return t, nil
}

// Create регистрирует трек и сразу запускает фоновую сверку,
// чтобы пользователь не ждал первого прохода поллера.
func (s *Service) Create(ctx context.Context, userID string, in models.TrackingCreateInput) (*models.Tracking, bool, error) {
	if in.TrackingNumber == "" {
		return nil, false, errors.WithMessage(ErrInvalidInput, "tracking_number is required")
	}
	if in.Provider == "" {
		settings, err := s.store.GetOrCreateSettings(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		in.Provider = settings.DefaultProvider
	}

	t, created, err := s.store.CreateOrGetTracking(ctx, userID, in, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if created && t.Provider != models.ProviderManual {
		s.reconcileAsync(t.ID)
	}
	return t, created, nil
}

// GetByNumber возвращает трек по номеру; неизвестный номер регистрируется
// на лету (create-on-miss) и уходит на первую сверку.
func (s *Service) GetByNumber(ctx context.Context, userID, trackingNumber string) (*models.Tracking, error) {
	if trackingNumber == "" {
		return nil, errors.WithMessage(ErrInvalidInput, "tracking number is required")
	}

	t, err := s.store.GetTrackingByNumber(ctx, userID, trackingNumber)
	if err == nil {
		return t, nil
	}
	if err != pgtracking.ErrNotFound {
		return nil, err
	}

	t, _, err = s.Create(ctx, userID, models.TrackingCreateInput{TrackingNumber: trackingNumber})
	return t, err
}

func (s *Service) Update(ctx context.Context, userID string, id uint64, in models.TrackingUpdateInput) (*models.Tracking, error) {
	if in.Status != nil && !models.ValidStatus(*in.Status) {
		return nil, errors.WithMessagef(ErrInvalidInput, "unknown status %q", *in.Status)
	}
	if in.Provider != nil && *in.Provider == "" {
		return nil, errors.WithMessage(ErrInvalidInput, "provider cannot be empty")
	}

	t, err := s.store.UpdateTracking(ctx, id, userID, in)
	if err != nil {
		return nil, err
	}
	s.dropCache(ctx, id)
	return t, nil
}

func (s *Service) Delete(ctx context.Context, userID string, id uint64) error {
	if err := s.store.DeleteTracking(ctx, id, userID); err != nil {
		return err
	}
	s.dropCache(ctx, id)
	return nil
}

// Refresh помечает трек на внеочередную проверку и запускает её в фоне.
func (s *Service) Refresh(ctx context.Context, userID string, id uint64) error {
	t, err := s.store.GetTracking(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.store.MarkForRefresh(ctx, t.ID); err != nil {
		return err
	}
	s.reconcileAsync(t.ID)
	return nil
}

// Notify — ручная отправка уведомления с API. Пустой получатель
// подставляется из записи/настроек в зависимости от канала.
func (s *Service) Notify(ctx context.Context, userID string, id uint64, channel, recipient string) (*models.TrackingNotification, error) {
	t, err := s.store.GetTracking(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if recipient == "" {
		switch channel {
		case models.NotificationChannelEmail:
			if t.CustomerEmail != nil {
				recipient = *t.CustomerEmail
			}
		case models.NotificationChannelWebhook:
			settings, err := s.store.GetOrCreateSettings(ctx, userID)
			if err != nil {
				return nil, err
			}
			if settings.WebhookURL != nil {
				recipient = *settings.WebhookURL
			}
		}
	}
	if recipient == "" {
		return nil, errors.WithMessage(ErrInvalidInput, "no recipient for notification")
	}

	n, err := s.notifier.SendManual(ctx, t, channel, recipient)
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidInput, err.Error())
	}
	return n, nil
}

func (s *Service) Events(ctx context.Context, userID string, id uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	t, err := s.store.GetTracking(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTrackingEvents(ctx, t.ID, limit, offset)
}

func (s *Service) Notifications(ctx context.Context, userID string, id uint64, limit int) ([]*models.TrackingNotification, error) {
	t, err := s.store.GetTracking(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, t.ID, limit)
}

// Batch создаёт пачку треков. Ошибки построчные, частичный успех —
// нормальный исход: imported + failed == total.
func (s *Service) Batch(ctx context.Context, userID string, inputs []models.TrackingCreateInput) (*models.BatchImportResult, error) {
	res := &models.BatchImportResult{Total: len(inputs)}

	for i, in := range inputs {
		t, _, err := s.Create(ctx, userID, in)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.BatchImportError{
				Line:  i + 1,
				Error: err.Error(),
			})
			continue
		}
		res.Imported++
		res.TrackingIDs = append(res.TrackingIDs, t.ID)
	}

	res.Success = res.Failed == 0
	return res, nil
}

func (s *Service) Settings(ctx context.Context, userID string) (*models.TrackingSettings, error) {
	return s.store.GetOrCreateSettings(ctx, userID)
}

func (s *Service) UpdateSettings(ctx context.Context, userID string, in models.SettingsUpdateInput) (*models.TrackingSettings, error) {
	for _, c := range in.NotificationChannels {
		if !models.ValidNotificationChannel(c) {
			return nil, errors.WithMessagef(ErrInvalidInput, "unknown notification channel %q", c)
		}
	}
	if in.WebhookURL != nil && *in.WebhookURL != "" && !looksLikeURL(*in.WebhookURL) {
		return nil, errors.WithMessage(ErrInvalidInput, "webhook_url must be an http(s) URL")
	}

	// Первое обращение может прийти сразу с PUT: строка создаётся лениво.
	if _, err := s.store.GetOrCreateSettings(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.UpdateSettings(ctx, userID, in)
}

func (s *Service) Carriers(ctx context.Context, country *string, activeOnly bool) ([]*models.CarrierInfo, error) {
	return s.store.ListCarriers(ctx, country, activeOnly)
}

// Stats считает агрегаты за период; по умолчанию последние 30 дней.
func (s *Service) Stats(ctx context.Context, userID string, periodDays int) (*models.TrackingStats, error) {
	if periodDays <= 0 {
		periodDays = 30
	}
	if periodDays > 365 {
		return nil, errors.WithMessage(ErrInvalidInput, "period_days must be within a year")
	}
	to := s.now().UTC()
	from := to.AddDate(0, 0, -periodDays)
	return s.store.TrackingStats(ctx, userID, from, to)
}

// ApplyTrackingUpdated обрабатывает событие из kafka: поллер уже записал
// новое состояние в БД, здесь остаётся сбросить кэш текущего статуса.
func (s *Service) ApplyTrackingUpdated(ctx context.Context, m messages.TrackingUpdated) error {
	s.dropCache(ctx, m.TrackingID)
	return nil
}

// reconcileAsync запускает сверку вне запроса: ответ API не ждёт
// похода к перевозчику.
func (s *Service) reconcileAsync(trackingID uint64) {
	if s.reconciler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.reconciler.Reconcile(ctx, trackingID); err != nil {
			s.log.Error("background reconcile", "trackingId", trackingID, "error", err)
		}
	}()
}

func (s *Service) warmCache(ctx context.Context, t *models.Tracking) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, tracker.CurrentStatusKey(t.ID), raw, s.cacheTTL); err != nil {
		s.log.Warn("warm tracking cache", "trackingId", t.ID, "error", err)
	}
}

func (s *Service) dropCache(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, tracker.CurrentStatusKey(id)); err != nil {
		s.log.Warn("drop tracking cache", "trackingId", id, "error", err)
	}
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
