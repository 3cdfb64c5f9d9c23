package carrier

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot — нормализованное состояние отправления у перевозчика.
// Пустые указатели означают "провайдер не знает", существующие значения
// записи при merge не затираются.
type Snapshot struct {
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
	Events             []SnapshotEvent
	Metadata           json.RawMessage
}

type SnapshotEvent struct {
	Status      string
	Description *string
	Location    *string
	EventTime   time.Time
	Message     *string
	Metadata    json.RawMessage
}

// Empty сообщает, что провайдер ничего не вернул; реконсиляция
// в этом случае оставляет запись как есть.
func (s Snapshot) Empty() bool {
	return s.Status == "" && len(s.Events) == 0
}

type Client interface {
	GetTracking(ctx context.Context, trackingNumber string, carrierCode string) (Snapshot, error)
}

// Registry выбирает адаптер по провайдеру записи. Незнакомый провайдер
// получает fallback-клиент.
type Registry struct {
	clients  map[string]Client
	fallback Client
}

func NewRegistry(fallback Client) *Registry {
	return &Registry{
		clients:  make(map[string]Client),
		fallback: fallback,
	}
}

func (r *Registry) Register(provider string, c Client) *Registry {
	r.clients[provider] = c
	return r
}

func (r *Registry) ClientFor(provider string) Client {
	if c, ok := r.clients[provider]; ok {
		return c
	}
	return r.fallback
}
