package pgtracking

import (
	"context"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// TrackingStats считает агрегаты по окну created_at. Все rate-поля
// безопасны при нулевых знаменателях: 0 либо отсутствие значения.
func (s *Storage) TrackingStats(ctx context.Context, userID string, from, to time.Time) (*models.TrackingStats, error) {
	out := &models.TrackingStats{
		CarrierStats: map[string]models.BreakdownEntry{},
		CountryStats: map[string]models.BreakdownEntry{},
	}

	err := s.db.QueryRow(ctx, `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE status = $4)
FROM trackings
WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
`, userID, from.UTC(), to.UTC(), models.TrackingStatusException).Scan(&out.TotalTrackings, new(int64))
	if err != nil {
		return nil, errors.Wrap(err, "stats totals")
	}

	// Разбивка по статусам; нулевые статусы добиваются в Go.
	counts := map[string]int64{}
	rows, err := s.db.Query(ctx, `
SELECT status, COUNT(*)
FROM trackings
WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
GROUP BY status
`, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		counts[st] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	for _, st := range models.AllStatuses() {
		out.StatusCounts = append(out.StatusCounts, models.StatusCount{Status: st, Count: counts[st]})
	}

	if out.TotalTrackings > 0 {
		out.ExceptionRate = float64(counts[models.TrackingStatusException]) / float64(out.TotalTrackings) * 100
	}

	// Delivered-метрики: среднее время в пути и доля on-time.
	var deliveredCount int64
	var avgDays *float64
	var onTime int64
	err = s.db.QueryRow(ctx, `
SELECT
  COUNT(*),
  AVG(EXTRACT(EPOCH FROM (delivered_at - shipped_at)) / 86400.0),
  COUNT(*) FILTER (WHERE estimated_delivery IS NOT NULL AND delivered_at <= estimated_delivery)
FROM trackings
WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
  AND status = $4 AND shipped_at IS NOT NULL AND delivered_at IS NOT NULL
`, userID, from.UTC(), to.UTC(), models.TrackingStatusDelivered).Scan(&deliveredCount, &avgDays, &onTime)
	if err != nil {
		return nil, errors.Wrap(err, "stats delivered")
	}
	if deliveredCount > 0 {
		out.AverageDeliveryDays = avgDays
		rate := float64(onTime) / float64(deliveredCount) * 100
		out.OnTimeDeliveryRate = &rate
	}

	fill := func(q string, dst map[string]models.BreakdownEntry) error {
		rows, err := s.db.Query(ctx, q, userID, from.UTC(), to.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key *string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			if key == nil || *key == "" {
				continue
			}
			e := models.BreakdownEntry{Count: n}
			if out.TotalTrackings > 0 {
				e.Percentage = float64(n) / float64(out.TotalTrackings) * 100
			}
			dst[*key] = e
		}
		return rows.Err()
	}

	if err := fill(`
SELECT carrier, COUNT(*)
FROM trackings
WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
GROUP BY carrier
`, out.CarrierStats); err != nil {
		return nil, errors.Wrap(err, "stats by carrier")
	}

	if err := fill(`
SELECT destination_country, COUNT(*)
FROM trackings
WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3 AND destination_country IS NOT NULL
GROUP BY destination_country
`, out.CountryStats); err != nil {
		return nil, errors.Wrap(err, "stats by country")
	}

	return out, nil
}
