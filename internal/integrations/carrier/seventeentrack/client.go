package seventeentrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DropFlow/TrackFlow/internal/integrations/carrier"
	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// Client ходит в 17track v2.2. Номер должен быть заранее зарегистрирован
// на стороне 17track; gettrackinfo возвращает текущее состояние.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.17track.net"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type trackRequest struct {
	Number  string `json:"number"`
	Carrier string `json:"carrier,omitempty"`
}

type trackResponse struct {
	Code int `json:"code"`
	Data struct {
		Accepted []struct {
			Number    string `json:"number"`
			TrackInfo struct {
				LatestStatus struct {
					Status    string `json:"status"`
					SubStatus string `json:"sub_status"`
				} `json:"latest_status"`
				LatestEvent struct {
					Description string `json:"description"`
				} `json:"latest_event"`
				ShippingInfo struct {
					ShipperAddress struct {
						Country string `json:"country"`
					} `json:"shipper_address"`
					RecipientAddress struct {
						Country string `json:"country"`
					} `json:"recipient_address"`
				} `json:"shipping_info"`
				TimeMetrics struct {
					EstimatedDeliveryDate struct {
						From string `json:"from"`
					} `json:"estimated_delivery_date"`
					PickupTime   string `json:"pickup_time"`
					DeliveryTime string `json:"delivered_time"`
				} `json:"time_metrics"`
				Tracking struct {
					Providers []struct {
						Provider struct {
							Name string `json:"name"`
							Key  string `json:"key"`
						} `json:"provider"`
						Events []struct {
							TimeISO     string `json:"time_iso"`
							Description string `json:"description"`
							Location    string `json:"location"`
							Stage       string `json:"stage"`
						} `json:"events"`
					} `json:"providers"`
				} `json:"tracking"`
			} `json:"track_info"`
		} `json:"accepted"`
		Rejected []struct {
			Number string `json:"number"`
			Error  struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"rejected"`
	} `json:"data"`
}

func (c *Client) GetTracking(ctx context.Context, trackingNumber, carrierCode string) (carrier.Snapshot, error) {
	body, err := json.Marshal([]trackRequest{{Number: trackingNumber, Carrier: carrierCode}})
	if err != nil {
		return carrier.Snapshot{}, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/track/v2.2/gettrackinfo", bytes.NewReader(body))
	if err != nil {
		return carrier.Snapshot{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("17token", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Snapshot{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Snapshot{}, fmt.Errorf("17track http %d", resp.StatusCode)
	}

	var r trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.Snapshot{}, errors.Wrap(err, "decode")
	}
	if r.Code != 0 {
		return carrier.Snapshot{}, fmt.Errorf("17track code=%d", r.Code)
	}
	if len(r.Data.Accepted) == 0 {
		if len(r.Data.Rejected) > 0 {
			return carrier.Snapshot{}, fmt.Errorf("17track rejected: %s", r.Data.Rejected[0].Error.Message)
		}
		// Номер ещё не известен провайдеру — не ошибка, просто нет данных.
		return carrier.Snapshot{}, nil
	}

	info := r.Data.Accepted[0].TrackInfo
	snap := carrier.Snapshot{
		Status:            normalizeStatus(info.LatestStatus.Status),
		StatusDescription: optStr(info.LatestEvent.Description),
		OriginCountry:     optStr(info.ShippingInfo.ShipperAddress.Country),
		DestinationCountry: optStr(info.ShippingInfo.RecipientAddress.Country),
		EstimatedDelivery: optTime(info.TimeMetrics.EstimatedDeliveryDate.From),
		ShippedAt:         optTime(info.TimeMetrics.PickupTime),
		DeliveredAt:       optTime(info.TimeMetrics.DeliveryTime),
	}

	if len(info.Tracking.Providers) > 0 {
		p := info.Tracking.Providers[0]
		snap.Carrier = optStr(p.Provider.Name)
		snap.CarrierCode = optStr(p.Provider.Key)
		for _, e := range p.Events {
			et := optTime(e.TimeISO)
			if et == nil {
				continue
			}
			snap.Events = append(snap.Events, carrier.SnapshotEvent{
				Status:      normalizeStage(e.Stage, snap.Status),
				Description: optStr(e.Description),
				Location:    optStr(e.Location),
				EventTime:   *et,
				Message:     optStr(e.Description),
			})
		}
	}

	meta, _ := json.Marshal(map[string]any{
		"provider":   "17track",
		"sub_status": info.LatestStatus.SubStatus,
	})
	snap.Metadata = meta

	return snap, nil
}

// normalizeStatus переводит статусы 17track в наши.
func normalizeStatus(s string) string {
	switch s {
	case "InfoReceived":
		return models.TrackingStatusInfoReceived
	case "InTransit":
		return models.TrackingStatusInTransit
	case "OutForDelivery", "AvailableForPickup":
		return models.TrackingStatusOutForDelivery
	case "Delivered":
		return models.TrackingStatusDelivered
	case "Exception", "Undelivered", "DeliveryFailure":
		return models.TrackingStatusException
	case "Expired":
		return models.TrackingStatusExpired
	case "NotFound":
		return models.TrackingStatusPending
	default:
		return models.TrackingStatusUnknown
	}
}

func normalizeStage(stage, fallback string) string {
	switch stage {
	case "InfoReceived":
		return models.TrackingStatusInfoReceived
	case "PickedUp", "Departure", "Arrival", "InTransit":
		return models.TrackingStatusInTransit
	case "OutForDelivery":
		return models.TrackingStatusOutForDelivery
	case "Delivered":
		return models.TrackingStatusDelivered
	case "Exception", "Returned":
		return models.TrackingStatusException
	}
	if fallback != "" {
		return fallback
	}
	return models.TrackingStatusUnknown
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
