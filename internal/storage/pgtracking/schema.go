package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS trackings (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  order_id TEXT NULL,
  customer_name TEXT NULL,
  customer_email TEXT NULL,
  tracking_number TEXT NOT NULL,
  carrier TEXT NULL,
  carrier_code TEXT NULL,
  provider TEXT NOT NULL,
  external_id TEXT NULL,
  status TEXT NOT NULL,
  status_description TEXT NULL,
  origin_country TEXT NULL,
  destination_country TEXT NULL,
  estimated_delivery TIMESTAMPTZ NULL,
  shipped_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  last_update TIMESTAMPTZ NULL,
  last_checked TIMESTAMPTZ NULL,
  auto_track BOOLEAN NOT NULL DEFAULT true,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_trackings_next_check_at ON trackings(next_check_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trackings_user_status ON trackings(user_id, status)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_id BIGINT NOT NULL REFERENCES trackings(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  description TEXT NULL,
  location TEXT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  message TEXT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_tracking_id_event_time ON tracking_events(tracking_id, event_time DESC)`,
		// Дедупликация событий на уровне БД: конкурентные реконсиляции
		// одного трека не создают дублей.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(tracking_id, status, event_time)`,
		`
CREATE TABLE IF NOT EXISTS tracking_notifications (
  id BIGSERIAL PRIMARY KEY,
  delivery_id TEXT NOT NULL UNIQUE,
  tracking_id BIGINT NOT NULL REFERENCES trackings(id) ON DELETE CASCADE,
  channel TEXT NOT NULL,
  recipient TEXT NOT NULL,
  status TEXT NOT NULL,
  trigger_event TEXT NOT NULL,
  content TEXT NULL,
  sent_at TIMESTAMPTZ NULL,
  error_message TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_notifications_tracking_id ON tracking_notifications(tracking_id)`,
		`
CREATE TABLE IF NOT EXISTS tracking_settings (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  default_provider TEXT NOT NULL,
  auto_track_orders BOOLEAN NOT NULL DEFAULT true,
  notify_customer BOOLEAN NOT NULL DEFAULT true,
  notification_channels JSONB NOT NULL DEFAULT '["email"]',
  api_keys JSONB NULL,
  webhook_url TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS carrier_info (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  code TEXT NOT NULL UNIQUE,
  website TEXT NULL,
  tracking_url_template TEXT NULL,
  is_active BOOLEAN NOT NULL DEFAULT true,
  countries JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	return s.seedCarriers(ctx)
}
