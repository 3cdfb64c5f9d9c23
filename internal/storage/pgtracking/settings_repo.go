package pgtracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const settingsColumns = `
  id, user_id, default_provider, auto_track_orders, notify_customer,
  notification_channels, api_keys, webhook_url, created_at, updated_at`

func scanSettings(row rowScanner) (*models.TrackingSettings, error) {
	var st models.TrackingSettings
	var channels, apiKeys []byte
	if err := row.Scan(
		&st.ID, &st.UserID, &st.DefaultProvider, &st.AutoTrackOrders, &st.NotifyCustomer,
		&channels, &apiKeys, &st.WebhookURL, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		_ = json.Unmarshal(channels, &st.NotificationChannels)
	}
	if len(apiKeys) > 0 {
		_ = json.Unmarshal(apiKeys, &st.APIKeys)
	}
	return &st, nil
}

// GetSettings возвращает ErrNotFound, если у пользователя ещё нет настроек.
func (s *Storage) GetSettings(ctx context.Context, userID string) (*models.TrackingSettings, error) {
	row := s.db.QueryRow(ctx, `SELECT `+settingsColumns+` FROM tracking_settings WHERE user_id = $1`, userID)
	st, err := scanSettings(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select settings")
	}
	return st, nil
}

// GetOrCreateSettings лениво создаёт строку с дефолтами.
// ON CONFLICT закрывает гонку двух первых обращений одного пользователя.
func (s *Storage) GetOrCreateSettings(ctx context.Context, userID string) (*models.TrackingSettings, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO tracking_settings (
  user_id, default_provider, auto_track_orders, notify_customer, notification_channels, created_at, updated_at
)
VALUES ($1, $2, true, true, '["email"]'::jsonb, now(), now())
ON CONFLICT (user_id)
DO UPDATE SET updated_at = tracking_settings.updated_at
RETURNING `+settingsColumns, userID, models.ProviderSeventeenTrack)

	st, err := scanSettings(row)
	if err != nil {
		return nil, errors.Wrap(err, "upsert settings")
	}
	return st, nil
}

func (s *Storage) UpdateSettings(ctx context.Context, userID string, in models.SettingsUpdateInput) (*models.TrackingSettings, error) {
	set := []string{"updated_at = now()"}
	args := []any{userID}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if in.DefaultProvider != nil {
		add("default_provider = $%d", *in.DefaultProvider)
	}
	if in.AutoTrackOrders != nil {
		add("auto_track_orders = $%d", *in.AutoTrackOrders)
	}
	if in.NotifyCustomer != nil {
		add("notify_customer = $%d", *in.NotifyCustomer)
	}
	if in.NotificationChannels != nil {
		add("notification_channels = $%d::jsonb", jsonbParamAny(in.NotificationChannels))
	}
	if in.APIKeys != nil {
		add("api_keys = $%d::jsonb", jsonbParamAny(in.APIKeys))
	}
	if in.WebhookURL != nil {
		add("webhook_url = $%d", *in.WebhookURL)
	}

	q := `UPDATE tracking_settings SET ` + strings.Join(set, ", ") +
		` WHERE user_id = $1 RETURNING ` + settingsColumns

	st, err := scanSettings(s.db.QueryRow(ctx, q, args...))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update settings")
	}
	return st, nil
}
