package pgtracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrNotFound возвращается при отсутствии строки для данного владельца.
var ErrNotFound = errors.New("not found")

const trackingColumns = `
  id, user_id, order_id, customer_name, customer_email,
  tracking_number, carrier, carrier_code, provider, external_id,
  status, status_description, origin_country, destination_country,
  estimated_delivery, shipped_at, delivered_at,
  last_update, last_checked,
  auto_track, next_check_at, check_fail_count, last_error,
  metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracking(row rowScanner) (*models.Tracking, error) {
	var t models.Tracking
	var meta []byte
	if err := row.Scan(
		&t.ID, &t.UserID, &t.OrderID, &t.CustomerName, &t.CustomerEmail,
		&t.TrackingNumber, &t.Carrier, &t.CarrierCode, &t.Provider, &t.ExternalID,
		&t.Status, &t.StatusDescription, &t.OriginCountry, &t.DestinationCountry,
		&t.EstimatedDelivery, &t.ShippedAt, &t.DeliveredAt,
		&t.LastUpdate, &t.LastChecked,
		&t.AutoTrack, &t.NextCheckAt, &t.CheckFailCount, &t.LastError,
		&meta, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		t.Metadata = json.RawMessage(meta)
	}
	return &t, nil
}

// CreateOrGetTracking создаёт запись либо возвращает существующую
// (tracking_number уникален в пределах владельца). Второй результат —
// true, если запись была создана этим вызовом.
func (s *Storage) CreateOrGetTracking(ctx context.Context, userID string, in models.TrackingCreateInput, nextCheckAt time.Time) (*models.Tracking, bool, error) {
	now := time.Now().UTC()

	autoTrack := true
	if in.AutoTrack != nil {
		autoTrack = *in.AutoTrack
	}
	provider := in.Provider
	if provider == "" {
		provider = models.ProviderSeventeenTrack
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO trackings (
  user_id, order_id, customer_name, customer_email,
  tracking_number, carrier, carrier_code, provider,
  status, auto_track, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (user_id, tracking_number)
DO UPDATE SET updated_at = trackings.updated_at
RETURNING `+trackingColumns+`, (xmax = 0) AS inserted
`, userID, in.OrderID, in.CustomerName, in.CustomerEmail,
		in.TrackingNumber, in.Carrier, in.CarrierCode, provider,
		models.TrackingStatusPending, autoTrack, nextCheckAt.UTC(), now)

	var t models.Tracking
	var meta []byte
	var inserted bool
	if err := row.Scan(
		&t.ID, &t.UserID, &t.OrderID, &t.CustomerName, &t.CustomerEmail,
		&t.TrackingNumber, &t.Carrier, &t.CarrierCode, &t.Provider, &t.ExternalID,
		&t.Status, &t.StatusDescription, &t.OriginCountry, &t.DestinationCountry,
		&t.EstimatedDelivery, &t.ShippedAt, &t.DeliveredAt,
		&t.LastUpdate, &t.LastChecked,
		&t.AutoTrack, &t.NextCheckAt, &t.CheckFailCount, &t.LastError,
		&meta, &t.CreatedAt, &t.UpdatedAt,
		&inserted,
	); err != nil {
		return nil, false, errors.Wrap(err, "upsert tracking")
	}
	if len(meta) > 0 {
		t.Metadata = json.RawMessage(meta)
	}
	return &t, inserted, nil
}

func (s *Storage) GetTracking(ctx context.Context, id uint64, userID string) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE id = $1 AND user_id = $2`, id, userID)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking")
	}
	return t, nil
}

// GetTrackingByID без владельца — для реконсилятора и поллера.
func (s *Storage) GetTrackingByID(ctx context.Context, id uint64) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE id = $1`, id)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking by id")
	}
	return t, nil
}

func (s *Storage) GetTrackingByNumber(ctx context.Context, userID, trackingNumber string) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE user_id = $1 AND tracking_number = $2`, userID, trackingNumber)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking by number")
	}
	return t, nil
}

type ListFilter struct {
	Status  *string
	OrderID *string
	Limit   int
	Offset  int
}

func (s *Storage) ListTrackings(ctx context.Context, userID string, f ListFilter) ([]*models.Tracking, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	q := `SELECT ` + trackingColumns + ` FROM trackings WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select trackings")
	}
	defer rows.Close()

	out := make([]*models.Tracking, 0, f.Limit)
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan tracking")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateTracking(ctx context.Context, id uint64, userID string, in models.TrackingUpdateInput) (*models.Tracking, error) {
	set := []string{"updated_at = now()"}
	args := []any{id, userID}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if in.Carrier != nil {
		add("carrier", *in.Carrier)
	}
	if in.CarrierCode != nil {
		add("carrier_code", *in.CarrierCode)
	}
	if in.Status != nil {
		add("status", *in.Status)
	}
	if in.StatusDescription != nil {
		add("status_description", *in.StatusDescription)
	}
	if in.OriginCountry != nil {
		add("origin_country", *in.OriginCountry)
	}
	if in.DestinationCountry != nil {
		add("destination_country", *in.DestinationCountry)
	}
	if in.EstimatedDelivery != nil {
		add("estimated_delivery", in.EstimatedDelivery.UTC())
	}
	if in.ShippedAt != nil {
		add("shipped_at", in.ShippedAt.UTC())
	}
	if in.DeliveredAt != nil {
		add("delivered_at", in.DeliveredAt.UTC())
	}
	if in.Provider != nil {
		add("provider", *in.Provider)
	}
	if in.AutoTrack != nil {
		add("auto_track", *in.AutoTrack)
	}
	if in.CustomerName != nil {
		add("customer_name", *in.CustomerName)
	}
	if in.CustomerEmail != nil {
		add("customer_email", *in.CustomerEmail)
	}
	if len(in.Metadata) > 0 {
		args = append(args, jsonbParam(in.Metadata))
		set = append(set, fmt.Sprintf("metadata = $%d::jsonb", len(args)))
	}

	q := `UPDATE trackings SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 AND user_id = $2 RETURNING ` + trackingColumns

	t, err := scanTracking(s.db.QueryRow(ctx, q, args...))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update tracking")
	}
	return t, nil
}

func (s *Storage) DeleteTracking(ctx context.Context, id uint64, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM trackings WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return errors.Wrap(err, "delete tracking")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StampLastChecked — первый шаг реконсиляции, до похода к перевозчику.
func (s *Storage) StampLastChecked(ctx context.Context, id uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE trackings SET last_checked = $2, updated_at = now() WHERE id = $1`, id, at.UTC())
	return errors.Wrap(err, "stamp last_checked")
}

// ScheduleNextCheck переносит следующую проверку без изменения состояния.
// Используется, когда провайдер ответил, но данных по треку ещё нет.
func (s *Storage) ScheduleNextCheck(ctx context.Context, id uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE trackings
SET next_check_at = $2, check_fail_count = 0, last_error = NULL, updated_at = now()
WHERE id = $1`, id, at.UTC())
	return errors.Wrap(err, "schedule next check")
}

// MarkForRefresh делает запись due для поллера.
func (s *Storage) MarkForRefresh(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE trackings SET next_check_at = now(), updated_at = now() WHERE id = $1`, id)
	return errors.Wrap(err, "mark for refresh")
}

// ClaimDueTrackings выбирает пачку треков, готовых к проверке, и "бронирует" их,
// чтобы они не попадали в повторную выборку, пока поллер их обрабатывает.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueTrackings(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Tracking, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+trackingColumns+`
FROM trackings
WHERE next_check_at <= $1
  AND auto_track
  AND status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.TrackingStatusDelivered, models.TrackingStatusExpired, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due trackings")
	}
	defer rows.Close()

	var picked []*models.Tracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due tracking")
		}
		picked = append(picked, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		_, err := tx.Exec(ctx, `UPDATE trackings SET next_check_at = $2, updated_at = now() WHERE id = $1`, t.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease tracking")
		}
		t.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
