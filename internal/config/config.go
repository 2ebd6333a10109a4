package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	SnowflakeNode int64

	Redis RedisConfig
	AWS   AWSConfig
	Email EmailConfig

	Payments PaymentsConfig
	Receipts ReceiptConfig

	AdminToken              string
	SlackSecurityWebhookURL string

	SchedulerEnabled bool
	SchedulerJobs    string
}

// ObservabilityConfig carries logging, tracing and metrics settings. OTel
// keys follow the standard OTEL_* names so collectors configure it unchanged.
type ObservabilityConfig struct {
	LogLevel         string
	LogFormat        string
	SlowQuery        time.Duration
	OtelEnabled      bool
	OtelEndpoint     string
	OtelProtocol     string
	OtelSamplingRate float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type AWSConfig struct {
	Region         string
	Endpoint       string
	SecretsEnabled bool
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type PaymentsConfig struct {
	BaseCurrency          string
	RatesAPIURL           string
	RatesCacheTTL         time.Duration
	CredentialCacheTTL    time.Duration
	CheckoutTimeout       time.Duration
	CheckoutRatePerMinute int
	GatewaySettingsFile   string
	GatewaySettingsSecret string

	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	ReconcileWindow   time.Duration
	ReconcileBatch    int
}

type ReceiptConfig struct {
	SNSTopicARN string
	S3Bucket    string
	FromName    string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "coursepay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Observability: ObservabilityConfig{
			LogLevel:         strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:        strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			SlowQuery:        getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
			OtelEnabled:      getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:     strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:     otlpProtocol(),
			OtelSamplingRate: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "coursepay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		AWS: AWSConfig{
			Region:         getenv("AWS_REGION", "us-east-1"),
			Endpoint:       strings.TrimSpace(getenv("AWS_ENDPOINT", "")),
			SecretsEnabled: getenvBool("AWS_SECRETS_ENABLED", false),
		},
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "receipts@coursepay.local"),
		},
		Payments: PaymentsConfig{
			BaseCurrency:          strings.ToUpper(getenv("BASE_CURRENCY", "USD")),
			RatesAPIURL:           getenv("RATES_API_URL", "https://open.er-api.com/v6/latest"),
			RatesCacheTTL:         getenvDuration("RATES_CACHE_TTL", time.Hour),
			CredentialCacheTTL:    getenvDuration("CREDENTIAL_CACHE_TTL", 60*time.Second),
			CheckoutTimeout:       getenvDuration("CHECKOUT_TIMEOUT", 5*time.Second),
			CheckoutRatePerMinute: int(getenvInt64("CHECKOUT_RATE_PER_MINUTE", 30)),
			GatewaySettingsFile:   getenv("GATEWAY_SETTINGS_FILE", "gateways"),
			GatewaySettingsSecret: strings.TrimSpace(getenv("GATEWAY_SETTINGS_SECRET", "")),
			ReconcileInterval:     getenvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			ReconcileAfter:        getenvDuration("RECONCILE_AFTER", 15*time.Minute),
			ReconcileWindow:       getenvDuration("RECONCILE_WINDOW", 48*time.Hour),
			ReconcileBatch:        int(getenvInt64("RECONCILE_BATCH", 50)),
		},
		Receipts: ReceiptConfig{
			SNSTopicARN: strings.TrimSpace(getenv("RECEIPT_SNS_TOPIC_ARN", "")),
			S3Bucket:    strings.TrimSpace(getenv("RECEIPT_S3_BUCKET", "")),
			FromName:    getenv("RECEIPT_FROM_NAME", "CoursePay"),
		},

		AdminToken:              strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		SlackSecurityWebhookURL: strings.TrimSpace(getenv("SLACK_SECURITY_WEBHOOK_URL", "")),

		SchedulerEnabled: getenvBool("SCHEDULER_ENABLED", true),
		SchedulerJobs:    getenv("SCHEDULER_JOBS", ""),
	}

	return cfg
}

// IsProduction reports whether the service runs in the production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewGatewaySettingsHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// otlpProtocol prefers the traces-specific override over the shared key.
func otlpProtocol() string {
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
