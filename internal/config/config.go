package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	CallbackMessages string `mapstructure:"callback-messages"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type BTCPay struct {
	BaseURL              string `mapstructure:"base-url"`
	APIKey               string `mapstructure:"api-key"`
	StoreID              string `mapstructure:"store-id"`
	WebhookSecret        string `mapstructure:"webhook-secret"`
	InvoiceExpiryMinutes int    `mapstructure:"invoice-expiry-minutes"`
	RequestTimeoutMs     int    `mapstructure:"request-timeout-ms"`
	Bolt11PollAttempts   int    `mapstructure:"bolt11-poll-attempts"`
	Bolt11PollDelayMs    int    `mapstructure:"bolt11-poll-delay-ms"`
}

type Auth struct {
	JWTSecret            string `mapstructure:"jwt-secret"`
	TokenTTLMinutes      int    `mapstructure:"token-ttl-minutes"`
	LoginRatePerMinute   int    `mapstructure:"login-rate-per-minute"`
	PaymentRatePerMinute int    `mapstructure:"payment-rate-per-minute"`
}

type Payment struct {
	MonitorWindowSeconds int `mapstructure:"monitor-window-seconds"`
	PollIntervalSeconds  int `mapstructure:"poll-interval-seconds"`
	MonitorParallelism   int `mapstructure:"monitor-parallelism"`
	MetadataMaxBytes     int `mapstructure:"metadata-max-bytes"`
	SSEKeepaliveSeconds  int `mapstructure:"sse-keepalive-seconds"`
	ReplayBatchSize      int `mapstructure:"replay-batch-size"`
}

type CallbackProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type CallbackProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type CallbackSender struct {
	TimeoutMs int `mapstructure:"timeout-ms"`
}

type Callback struct {
	Secret    string            `mapstructure:"secret"`
	Processor CallbackProcessor `mapstructure:"processor"`
	Producer  CallbackProducer  `mapstructure:"producer"`
	Sender    CallbackSender    `mapstructure:"sender"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Kafka    Kafka    `mapstructure:"kafka"`
	BTCPay   BTCPay   `mapstructure:"btcpay"`
	Auth     Auth     `mapstructure:"auth"`
	Payment  Payment  `mapstructure:"payment"`
	Callback Callback `mapstructure:"callback"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// secrets come from the environment in deployed setups, e.g. BTCPAY_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
