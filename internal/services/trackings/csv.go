package trackings

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// ImportCSV читает выгрузку магазина и регистрирует треки построчно.
// Формат: первая строка — заголовки, обязательна колонка tracking_number.
// Опциональные колонки: carrier, carrier_code, order_id, customer_name,
// customer_email, provider. Битые строки не прерывают импорт.
func (s *Service) ImportCSV(ctx context.Context, userID string, r io.Reader) (*models.BatchImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.WithMessage(ErrInvalidInput, "empty csv")
	}
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidInput, "malformed csv header")
	}

	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["tracking_number"]; !ok {
		return nil, errors.WithMessage(ErrInvalidInput, "csv must contain a tracking_number column")
	}

	field := func(row []string, name string) *string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return nil
		}
		v := strings.TrimSpace(row[i])
		if v == "" {
			return nil
		}
		return &v
	}

	res := &models.BatchImportResult{}
	line := 1 // заголовок
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			res.Total++
			res.Failed++
			res.Errors = append(res.Errors, models.BatchImportError{Line: line, Error: "malformed row"})
			continue
		}

		res.Total++
		in := models.TrackingCreateInput{
			Carrier:       field(row, "carrier"),
			CarrierCode:   field(row, "carrier_code"),
			OrderID:       field(row, "order_id"),
			CustomerName:  field(row, "customer_name"),
			CustomerEmail: field(row, "customer_email"),
		}
		if n := field(row, "tracking_number"); n != nil {
			in.TrackingNumber = *n
		}
		if p := field(row, "provider"); p != nil {
			in.Provider = *p
		}

		t, _, err := s.Create(ctx, userID, in)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.BatchImportError{Line: line, Error: err.Error()})
			continue
		}
		res.Imported++
		res.TrackingIDs = append(res.TrackingIDs, t.ID)
	}

	res.Success = res.Failed == 0
	return res, nil
}
