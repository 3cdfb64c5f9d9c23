package messages

import "time"

// TrackingUpdated публикуется после каждой успешной реконсиляции.
// track-api слушает топик и освежает redis-кэш текущего статуса.
type TrackingUpdated struct {
	TrackingID uint64    `json:"tracking_id"`
	UserID     string    `json:"user_id"`
	CheckedAt  time.Time `json:"checked_at"`

	Status            string     `json:"status,omitempty"`
	StatusDescription string     `json:"status_description,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`

	NewEvents int `json:"new_events"`

	Error *string `json:"error,omitempty"`
}
