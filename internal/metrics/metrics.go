package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_total_requests",
		Help: "Total number of HTTP requests",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration for http requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var KafkaPublishSuccess = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_publish_success_total",
		Help: "Total number of successful publishes",
	},
	[]string{"topic"},
)

var KafkaPublishFailure = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_publish_failure_total",
		Help: "Total number of failed publishes",
	},
	[]string{"topic"},
)

var ReconcileTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tracking_reconcile_total",
		Help: "Reconciliation runs by outcome",
	},
	[]string{"outcome"},
)

var ReconcileDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tracking_reconcile_duration_seconds",
		Help:    "Time taken to reconcile one tracking",
		Buckets: prometheus.DefBuckets,
	},
)

var CarrierAPISuccess = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carrier_api_success_total",
		Help: "Successful carrier adapter calls",
	},
	[]string{"provider"},
)

var CarrierAPIFailure = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carrier_api_failure_total",
		Help: "Failed carrier adapter calls",
	},
	[]string{"provider"},
)

var NotificationSendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_send_total",
		Help: "Notification delivery attempts by channel and result",
	},
	[]string{"channel", "result"},
)

var NotificationSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "notification_send_duration_seconds",
		Help:    "Time taken to send notifications via external providers",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"channel"},
)

var registered bool

// MustRegister вешает все коллекторы на DefaultRegisterer.
// Повторный вызов (api и poller в одном тест-процессе) — no-op.
func MustRegister() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		HTTPRequestTotal,
		HTTPRequestDuration,
		KafkaPublishSuccess,
		KafkaPublishFailure,
		ReconcileTotal,
		ReconcileDuration,
		CarrierAPISuccess,
		CarrierAPIFailure,
		NotificationSendTotal,
		NotificationSendDuration,
	)
}
