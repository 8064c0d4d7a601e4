package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	SnowflakeNode int64

	OTLPEndpoint       string
	CORSAllowedOrigins []string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthJWTSecret string
	AuthJWTIssuer string

	DefaultCurrency string

	Stripe StripeConfig
}

// StripeConfig carries the payment processor credentials. An empty SecretKey
// means the checkout gateway is not configured.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	APIURL         string
	RequestTimeout time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "clientportal"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode:      getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "")),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "clientportal"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:      int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime:  int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:  int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            int(getenvInt64("REDIS_DB", 0)),
		AuthJWTSecret:      strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:      strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
		DefaultCurrency:    strings.ToUpper(strings.TrimSpace(getenv("DEFAULT_CURRENCY", "EUR"))),
		Stripe: StripeConfig{
			SecretKey:      strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:  strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			APIURL:         strings.TrimSpace(getenv("STRIPE_API_URL", "")),
			RequestTimeout: getenvDuration("STRIPE_REQUEST_TIMEOUT", 10*time.Second),
		},
	}

	return cfg
}

// IsProduction reports whether the service runs in the production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
