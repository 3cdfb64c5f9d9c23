package pgtracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ReconcileUpdate — результат merge'а снапшота перевозчика в запись.
// Скалярные поля записываются как есть (merge уже сделан в сервисе),
// события вставляются с дедупликацией по (tracking_id, status, event_time).
type ReconcileUpdate struct {
	TrackingID uint64

	CheckedAt time.Time

	Status             string
	StatusDescription  *string
	OriginCountry      *string
	DestinationCountry *string
	EstimatedDelivery  *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	Carrier            *string
	CarrierCode        *string
	ExternalID         *string
	Metadata           json.RawMessage

	NextCheckAt time.Time

	Events []*models.TrackingEvent

	// Error выставлен при провале похода к перевозчику: скалярные поля
	// выше игнорируются, растёт только счётчик фейлов.
	Error *string
}

func (s *Storage) ListTrackingEvents(ctx context.Context, trackingID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, tracking_id, status, description, location,
  event_time, message, metadata, created_at
FROM tracking_events
WHERE tracking_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, trackingID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var meta []byte
		if err := rows.Scan(
			&e.ID, &e.TrackingID, &e.Status, &e.Description, &e.Location,
			&e.EventTime, &e.Message, &meta, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if len(meta) > 0 {
			e.Metadata = json.RawMessage(meta)
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CountTrackingEvents(ctx context.Context, trackingID uint64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tracking_events WHERE tracking_id = $1`, trackingID).Scan(&n)
	return n, errors.Wrap(err, "count events")
}

// ApplyReconcile атомарно пишет merged-состояние и новые события.
// Возвращает число реально вставленных событий (дубли отбрасывает индекс).
func (s *Storage) ApplyReconcile(ctx context.Context, upd ReconcileUpdate) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Error != nil && *upd.Error != "" {
		_, err := tx.Exec(ctx, `
UPDATE trackings
SET
  last_checked = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.TrackingID, upd.CheckedAt.UTC(), *upd.Error, upd.NextCheckAt.UTC())
		if err != nil {
			return 0, errors.Wrap(err, "update tracking (error)")
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, errors.Wrap(err, "commit tx")
		}
		return 0, nil
	}

	_, err = tx.Exec(ctx, `
UPDATE trackings
SET
  status = $3,
  status_description = COALESCE($4, status_description),
  origin_country = COALESCE($5, origin_country),
  destination_country = COALESCE($6, destination_country),
  estimated_delivery = COALESCE($7, estimated_delivery),
  shipped_at = COALESCE($8, shipped_at),
  delivered_at = $9,
  carrier = COALESCE(carrier, $10),
  carrier_code = COALESCE(carrier_code, $11),
  external_id = COALESCE($12, external_id),
  metadata = COALESCE($13::jsonb, metadata),
  last_update = now(),
  last_checked = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $14,
  updated_at = now()
WHERE id = $1
`, upd.TrackingID, upd.CheckedAt.UTC(), upd.Status,
		upd.StatusDescription, upd.OriginCountry, upd.DestinationCountry,
		tsOrNil(upd.EstimatedDelivery), tsOrNil(upd.ShippedAt), tsOrNil(upd.DeliveredAt),
		upd.Carrier, upd.CarrierCode, upd.ExternalID,
		jsonbParam(upd.Metadata), upd.NextCheckAt.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "update tracking (ok)")
	}

	inserted := 0
	for _, e := range upd.Events {
		tag, err := tx.Exec(ctx, `
INSERT INTO tracking_events (
  tracking_id, status, description, location, event_time, message, metadata, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb, now())
ON CONFLICT (tracking_id, status, event_time) DO NOTHING
`, upd.TrackingID, e.Status, e.Description, e.Location, e.EventTime.UTC(), e.Message, jsonbParam(e.Metadata))
		if err != nil {
			return 0, errors.Wrap(err, "insert tracking event")
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return inserted, nil
}

func tsOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
