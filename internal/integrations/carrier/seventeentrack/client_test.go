package seventeentrack

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_GetTracking_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/track/v2.2/gettrackinfo", r.URL.Path)
		require.Equal(t, "demo", r.Header.Get("17token"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), "1Z999AA10123456784")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "code": 0,
  "data": {
    "accepted": [
      {
        "number": "1Z999AA10123456784",
        "track_info": {
          "latest_status": {"status": "Delivered", "sub_status": "Delivered_Other"},
          "latest_event": {"description": "Package delivered"},
          "shipping_info": {
            "shipper_address": {"country": "CN"},
            "recipient_address": {"country": "FR"}
          },
          "time_metrics": {
            "pickup_time": "2026-02-01T08:00:00Z",
            "delivered_time": "2026-02-10T16:30:00Z"
          },
          "tracking": {
            "providers": [
              {
                "provider": {"name": "UPS", "key": "ups"},
                "events": [
                  {"time_iso": "2026-02-01T08:00:00Z", "description": "Picked up", "location": "Shenzhen", "stage": "PickedUp"},
                  {"time_iso": "2026-02-10T16:30:00Z", "description": "Delivered", "location": "Paris", "stage": "Delivered"}
                ]
              }
            ]
          }
        }
      }
    ],
    "rejected": []
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	snap, err := c.GetTracking(context.Background(), "1Z999AA10123456784", "ups")
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusDelivered, snap.Status)
	require.NotNil(t, snap.DeliveredAt)
	require.Equal(t, "CN", *snap.OriginCountry)
	require.Equal(t, "FR", *snap.DestinationCountry)
	require.Len(t, snap.Events, 2)
	require.Equal(t, models.TrackingStatusInTransit, snap.Events[0].Status)
	require.WithinDuration(t, time.Date(2026, 2, 10, 16, 30, 0, 0, time.UTC), snap.Events[1].EventTime, time.Second)
}

func TestClient_GetTracking_NotRegisteredYet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"accepted":[],"rejected":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	snap, err := c.GetTracking(context.Background(), "X", "")
	require.NoError(t, err)
	require.True(t, snap.Empty())
}

func TestClient_GetTracking_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"accepted":[],"rejected":[{"number":"X","error":{"code":-18019901,"message":"quota exceeded"}}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	_, err := c.GetTracking(context.Background(), "X", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestClient_GetTracking_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	_, err := c.GetTracking(context.Background(), "X", "")
	require.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	require.Equal(t, models.TrackingStatusDelivered, normalizeStatus("Delivered"))
	require.Equal(t, models.TrackingStatusException, normalizeStatus("Undelivered"))
	require.Equal(t, models.TrackingStatusPending, normalizeStatus("NotFound"))
	require.Equal(t, models.TrackingStatusUnknown, normalizeStatus("SomethingNew"))
}
