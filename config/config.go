package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	TrackFlow TrackFlowConfig `yaml:"trackflow"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TrackFlowConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	PollerIntervalSeconds     int `yaml:"poller_interval_seconds"`
	PollerBatchSize           int `yaml:"poller_batch_size"`
	PollerConcurrency         int `yaml:"poller_concurrency"`
	PollerLeaseSeconds        int `yaml:"poller_lease_seconds"`
	PollerRateLimitPerMinute  int `yaml:"poller_rate_limit_per_minute"`

	PollerHTTPAddr string `yaml:"poller_http_addr"`

	// Poller scheduling (optional). Defaults are prod-like minutes/hours:
	// in_transit: 30..120 minutes, unknown: 90 minutes, backoff: 5/15/30/60 minutes.
	NextCheckInTransitMinSeconds int `yaml:"next_check_in_transit_min_seconds"`
	NextCheckInTransitMaxSeconds int `yaml:"next_check_in_transit_max_seconds"`
	NextCheckExceptionSeconds    int `yaml:"next_check_exception_seconds"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds"`

	SeventeenTrackBaseURL string `yaml:"seventeen_track_base_url"`
	SeventeenTrackAPIKey  string `yaml:"seventeen_track_api_key"`

	SendgridAPIKey    string `yaml:"sendgrid_api_key"`
	SendgridFromName  string `yaml:"sendgrid_from_name"`
	SendgridFromEmail string `yaml:"sendgrid_from_email"`

	TwilioAccountSID  string `yaml:"twilio_account_sid"`
	TwilioAuthToken   string `yaml:"twilio_auth_token"`
	TwilioFromNumber  string `yaml:"twilio_from_number"`

	PushGatewayURL string `yaml:"push_gateway_url"`

	WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
