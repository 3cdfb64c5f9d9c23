package models

import (
	"encoding/json"
	"time"
)

// Нормализованные статусы жизненного цикла отправления.
const (
	TrackingStatusPending        = "pending"
	TrackingStatusInfoReceived   = "info_received"
	TrackingStatusInTransit      = "in_transit"
	TrackingStatusOutForDelivery = "out_for_delivery"
	TrackingStatusDelivered      = "delivered"
	TrackingStatusException      = "exception"
	TrackingStatusExpired        = "expired"
	TrackingStatusUnknown        = "unknown"
)

// Провайдеры трекинга. Для провайдеров без своего клиента работает mock-адаптер.
const (
	ProviderSeventeenTrack = "17track"
	ProviderAftership      = "aftership"
	ProviderShippo         = "shippo"
	ProviderEasypost       = "easypost"
	ProviderManual         = "manual"
)

func ValidStatus(s string) bool {
	switch s {
	case TrackingStatusPending, TrackingStatusInfoReceived, TrackingStatusInTransit,
		TrackingStatusOutForDelivery, TrackingStatusDelivered, TrackingStatusException,
		TrackingStatusExpired, TrackingStatusUnknown:
		return true
	}
	return false
}

func AllStatuses() []string {
	return []string{
		TrackingStatusPending,
		TrackingStatusInfoReceived,
		TrackingStatusInTransit,
		TrackingStatusOutForDelivery,
		TrackingStatusDelivered,
		TrackingStatusException,
		TrackingStatusExpired,
		TrackingStatusUnknown,
	}
}

type Tracking struct {
	ID                 uint64          `json:"id"`
	UserID             string          `json:"userId"`
	OrderID            *string         `json:"orderId,omitempty"`
	CustomerName       *string         `json:"customerName,omitempty"`
	CustomerEmail      *string         `json:"customerEmail,omitempty"`
	TrackingNumber     string          `json:"trackingNumber"`
	Carrier            *string         `json:"carrier,omitempty"`
	CarrierCode        *string         `json:"carrierCode,omitempty"`
	Provider           string          `json:"provider"`
	ExternalID         *string         `json:"externalId,omitempty"`
	Status             string          `json:"status"`
	StatusDescription  *string         `json:"statusDescription,omitempty"`
	OriginCountry      *string         `json:"originCountry,omitempty"`
	DestinationCountry *string         `json:"destinationCountry,omitempty"`
	EstimatedDelivery  *time.Time      `json:"estimatedDelivery,omitempty"`
	ShippedAt          *time.Time      `json:"shippedAt,omitempty"`
	DeliveredAt        *time.Time      `json:"deliveredAt,omitempty"`
	LastUpdate         *time.Time      `json:"lastUpdate,omitempty"`
	LastChecked        *time.Time      `json:"lastChecked,omitempty"`
	AutoTrack          bool            `json:"autoTrack"`
	NextCheckAt        time.Time       `json:"nextCheckAt"`
	CheckFailCount     int32           `json:"checkFailCount"`
	LastError          *string         `json:"lastError,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type TrackingEvent struct {
	ID          uint64          `json:"id"`
	TrackingID  uint64          `json:"trackingId"`
	Status      string          `json:"status"`
	Description *string         `json:"description,omitempty"`
	Location    *string         `json:"location,omitempty"`
	EventTime   time.Time       `json:"eventTime"`
	Message     *string         `json:"message,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Каналы и статусы уведомлений.
const (
	NotificationChannelEmail   = "email"
	NotificationChannelSMS     = "sms"
	NotificationChannelPush    = "push"
	NotificationChannelWebhook = "webhook"

	NotificationStatusPending = "pending"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"

	TriggerDelivery     = "delivery"
	TriggerException    = "exception"
	TriggerStatusUpdate = "status_update"
	TriggerManual       = "manual"
)

func ValidNotificationChannel(c string) bool {
	switch c {
	case NotificationChannelEmail, NotificationChannelSMS,
		NotificationChannelPush, NotificationChannelWebhook:
		return true
	}
	return false
}

// TrackingNotification — строка журнала доставок уведомлений.
// Повторная отправка всегда создаёт новую строку, старые не мутируются.
type TrackingNotification struct {
	ID           uint64     `json:"id"`
	DeliveryID   string     `json:"deliveryId"`
	TrackingID   uint64     `json:"trackingId"`
	Channel      string     `json:"channel"`
	Recipient    string     `json:"recipient"`
	Status       string     `json:"status"`
	TriggerEvent string     `json:"triggerEvent"`
	Content      *string    `json:"content,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type TrackingSettings struct {
	ID                   uint64            `json:"id"`
	UserID               string            `json:"userId"`
	DefaultProvider      string            `json:"defaultProvider"`
	AutoTrackOrders      bool              `json:"autoTrackOrders"`
	NotifyCustomer       bool              `json:"notifyCustomer"`
	NotificationChannels []string          `json:"notificationChannels"`
	APIKeys              map[string]string `json:"apiKeys,omitempty"`
	WebhookURL           *string           `json:"webhookUrl,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

type CarrierInfo struct {
	ID                  uint64   `json:"id"`
	Name                string   `json:"name"`
	Code                string   `json:"code"`
	Website             *string  `json:"website,omitempty"`
	TrackingURLTemplate *string  `json:"trackingUrlTemplate,omitempty"`
	IsActive            bool     `json:"isActive"`
	Countries           []string `json:"countries,omitempty"`
}

type TrackingCreateInput struct {
	TrackingNumber string
	Carrier        *string
	CarrierCode    *string
	OrderID        *string
	CustomerName   *string
	CustomerEmail  *string
	Provider       string
	AutoTrack      *bool
}

type TrackingUpdateInput struct {
	Carrier            *string
	CarrierCode        *string
	Status             *string
	StatusDescription  *string
	OriginCountry      *string
	DestinationCountry *string
	EstimatedDelivery  *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	Provider           *string
	AutoTrack          *bool
	CustomerName       *string
	CustomerEmail      *string
	Metadata           json.RawMessage
}

type SettingsUpdateInput struct {
	DefaultProvider      *string
	AutoTrackOrders      *bool
	NotifyCustomer       *bool
	NotificationChannels []string
	APIKeys              map[string]string
	WebhookURL           *string
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type BreakdownEntry struct {
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

type TrackingStats struct {
	TotalTrackings      int64                     `json:"totalTrackings"`
	StatusCounts        []StatusCount             `json:"statusCounts"`
	AverageDeliveryDays *float64                  `json:"averageDeliveryDays,omitempty"`
	OnTimeDeliveryRate  *float64                  `json:"onTimeDeliveryRate,omitempty"`
	ExceptionRate       float64                   `json:"exceptionRate"`
	CarrierStats        map[string]BreakdownEntry `json:"carrierStats"`
	CountryStats        map[string]BreakdownEntry `json:"countryStats"`
}

type BatchImportError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type BatchImportResult struct {
	Success     bool               `json:"success"`
	Total       int                `json:"total"`
	Imported    int                `json:"imported"`
	Failed      int                `json:"failed"`
	TrackingIDs []uint64           `json:"trackingIds"`
	Errors      []BatchImportError `json:"errors,omitempty"`
}
