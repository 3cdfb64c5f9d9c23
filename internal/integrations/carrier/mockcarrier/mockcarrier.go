package mockcarrier

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/models"
)

// Client — детерминированная заглушка перевозчика для провайдеров без
// собственного адаптера. Статус и цепочка событий зависят только от
// номера отправления, поэтому повторные опросы идемпотентны.
type Client struct {
	now func() time.Time
}

func New() *Client { return &Client{now: func() time.Time { return time.Now().UTC() }} }

// NewWithClock фиксирует часы (для тестов).
func NewWithClock(now func() time.Time) *Client { return &Client{now: now} }

var statusLadder = []string{
	models.TrackingStatusPending,
	models.TrackingStatusInfoReceived,
	models.TrackingStatusInTransit,
	models.TrackingStatusOutForDelivery,
	models.TrackingStatusDelivered,
	models.TrackingStatusException,
	models.TrackingStatusExpired,
	models.TrackingStatusUnknown,
}

func (c *Client) GetTracking(ctx context.Context, trackingNumber, carrierCode string) (carrier.Snapshot, error) {
	now := c.now().Truncate(time.Second)

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingNumber))
	status := statusLadder[h.Sum32()%uint32(len(statusLadder))]

	base := now.Add(-5 * 24 * time.Hour)
	events := []carrier.SnapshotEvent{{
		Status:      models.TrackingStatusInfoReceived,
		Description: ptr("Shipping information received"),
		Location:    ptr("Origin Facility"),
		EventTime:   base,
		Message:     ptr("Shipping label created"),
	}}

	reached := func(s string) bool {
		switch status {
		case models.TrackingStatusInTransit:
			return s == models.TrackingStatusInTransit
		case models.TrackingStatusOutForDelivery:
			return s == models.TrackingStatusInTransit || s == models.TrackingStatusOutForDelivery
		case models.TrackingStatusDelivered, models.TrackingStatusException:
			return s == models.TrackingStatusInTransit || s == models.TrackingStatusOutForDelivery
		}
		return false
	}

	var shippedAt *time.Time
	if reached(models.TrackingStatusInTransit) {
		t1 := base.Add(24 * time.Hour)
		shippedAt = &t1
		events = append(events,
			carrier.SnapshotEvent{
				Status:      models.TrackingStatusInTransit,
				Description: ptr("Package in transit"),
				Location:    ptr("Origin Sorting Center"),
				EventTime:   t1,
				Message:     ptr("Package has left the origin facility"),
			},
			carrier.SnapshotEvent{
				Status:      models.TrackingStatusInTransit,
				Description: ptr("Package in transit"),
				Location:    ptr("International Hub"),
				EventTime:   base.Add(3 * 24 * time.Hour),
				Message:     ptr("Package processed at international hub"),
			},
		)
	}
	if reached(models.TrackingStatusOutForDelivery) {
		events = append(events, carrier.SnapshotEvent{
			Status:      models.TrackingStatusOutForDelivery,
			Description: ptr("Out for delivery"),
			Location:    ptr("Local Delivery Facility"),
			EventTime:   now.Add(-24 * time.Hour),
			Message:     ptr("Package is out for delivery"),
		})
	}

	var deliveredAt *time.Time
	switch status {
	case models.TrackingStatusDelivered:
		t := now.Add(-4 * time.Hour)
		deliveredAt = &t
		events = append(events, carrier.SnapshotEvent{
			Status:      models.TrackingStatusDelivered,
			Description: ptr("Delivered"),
			Location:    ptr("Destination"),
			EventTime:   t,
			Message:     ptr("Package has been delivered"),
		})
	case models.TrackingStatusException:
		t := now.Add(-12 * time.Hour)
		events = append(events, carrier.SnapshotEvent{
			Status:      models.TrackingStatusException,
			Description: ptr("Delivery exception"),
			Location:    ptr("Local Delivery Facility"),
			EventTime:   t,
			Message:     ptr("Delivery attempt failed: recipient not available"),
		})
	}

	var estimated *time.Time
	if shippedAt != nil && deliveredAt == nil {
		t := shippedAt.Add(7 * 24 * time.Hour)
		estimated = &t
	}

	desc := events[len(events)-1].Description

	carrierName := "Mock Carrier"
	code := carrierCode
	if code == "" {
		code = "mock"
	}
	meta, _ := json.Marshal(map[string]any{"mock_data": true, "tracking_number": trackingNumber})

	return carrier.Snapshot{
		Status:             status,
		StatusDescription:  desc,
		OriginCountry:      ptr("China"),
		DestinationCountry: ptr("France"),
		EstimatedDelivery:  estimated,
		ShippedAt:          shippedAt,
		DeliveredAt:        deliveredAt,
		Carrier:            &carrierName,
		CarrierCode:        &code,
		Events:             events,
		Metadata:           meta,
	}, nil
}

func ptr(s string) *string { return &s }
