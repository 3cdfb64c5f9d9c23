package pgtracking

import (
	"context"
	"encoding/json"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// Стартовый справочник перевозчиков; пополняется админом через БД.
var defaultCarriers = []models.CarrierInfo{
	{Name: "UPS", Code: "ups", Countries: []string{"US", "CA", "FR", "DE", "GB"}},
	{Name: "USPS", Code: "usps", Countries: []string{"US"}},
	{Name: "FedEx", Code: "fedex", Countries: []string{"US", "CA", "FR", "DE", "GB"}},
	{Name: "DHL Express", Code: "dhl", Countries: []string{"DE", "FR", "GB", "US", "CN"}},
	{Name: "La Poste / Colissimo", Code: "colissimo", Countries: []string{"FR"}},
	{Name: "Cainiao", Code: "cainiao", Countries: []string{"CN"}},
	{Name: "China Post", Code: "china-post", Countries: []string{"CN"}},
	{Name: "Yanwen", Code: "yanwen", Countries: []string{"CN"}},
}

func (s *Storage) seedCarriers(ctx context.Context) error {
	for _, c := range defaultCarriers {
		tpl := "https://t.17track.net/en#nums={number}"
		_, err := s.db.Exec(ctx, `
INSERT INTO carrier_info (name, code, tracking_url_template, is_active, countries)
VALUES ($1, $2, $3, true, $4::jsonb)
ON CONFLICT (code) DO NOTHING
`, c.Name, c.Code, tpl, jsonbParamAny(c.Countries))
		if err != nil {
			return errors.Wrap(err, "seed carriers")
		}
	}
	return nil
}

func (s *Storage) ListCarriers(ctx context.Context, country *string, activeOnly bool) ([]*models.CarrierInfo, error) {
	q := `
SELECT id, name, code, website, tracking_url_template, is_active, countries
FROM carrier_info
WHERE ($1::bool IS FALSE OR is_active)
  AND ($2::text IS NULL OR countries @> to_jsonb(ARRAY[$2::text]))
ORDER BY name ASC`

	rows, err := s.db.Query(ctx, q, activeOnly, country)
	if err != nil {
		return nil, errors.Wrap(err, "select carriers")
	}
	defer rows.Close()

	var out []*models.CarrierInfo
	for rows.Next() {
		var c models.CarrierInfo
		var countries []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.Website, &c.TrackingURLTemplate, &c.IsActive, &countries); err != nil {
			return nil, errors.Wrap(err, "scan carrier")
		}
		if len(countries) > 0 {
			_ = json.Unmarshal(countries, &c.Countries)
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetCarrierByName(ctx context.Context, name string) (*models.CarrierInfo, error) {
	var c models.CarrierInfo
	var countries []byte
	err := s.db.QueryRow(ctx, `
SELECT id, name, code, website, tracking_url_template, is_active, countries
FROM carrier_info
WHERE lower(name) = lower($1)
`, name).Scan(&c.ID, &c.Name, &c.Code, &c.Website, &c.TrackingURLTemplate, &c.IsActive, &countries)
	if err != nil {
		return nil, ErrNotFound
	}
	if len(countries) > 0 {
		_ = json.Unmarshal(countries, &c.Countries)
	}
	return &c, nil
}
