package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Queue     QueueConfig
	API       APIConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Policy    PolicyConfig
	Provider  ProviderConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// QueueConfig holds queue configuration (Redis)
type QueueConfig struct {
	RedisURL  string
	QueueName string
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port int
}

// WorkerConfig holds send worker configuration
type WorkerConfig struct {
	Concurrency    int
	MaxRetries     int
	BaseRetryDelay time.Duration
	// StuckRequeueAfter is how long a message may sit in queued before the
	// reconciliation pass re-enqueues its task.
	StuckRequeueAfter time.Duration
}

// RateLimitConfig holds the two admission windows: per-user for interactive
// single sends, per-tenant for campaign pacing inside the worker loop.
type RateLimitConfig struct {
	UserMax      int64
	UserWindow   time.Duration
	TenantMax    int64
	TenantWindow time.Duration
}

// PolicyConfig holds channel eligibility policy. Opt-out and is_active are
// always enforced; explicit opt-in is required per channel.
type PolicyConfig struct {
	SMSRequireOptIn      bool
	WhatsAppRequireOptIn bool
}

// RequireOptIn returns the opt-in requirement for a channel.
func (p PolicyConfig) RequireOptIn(channel string) bool {
	if channel == "whatsapp" {
		return p.WhatsAppRequireOptIn
	}
	return p.SMSRequireOptIn
}

// ProviderConfig holds provider settings (mock provider for local runs).
type ProviderConfig struct {
	SenderID    string
	SuccessRate float64
}

// Load reads configuration from environment variables. A local .env file is
// loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	apiPort, err := getEnvInt("API_PORT", 8080)
	if err != nil {
		return nil, err
	}
	workerConcurrency, err := getEnvInt("WORKER_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getEnvInt("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	baseRetryDelay, err := getEnvDuration("BASE_RETRY_DELAY", time.Minute)
	if err != nil {
		return nil, err
	}
	stuckAfter, err := getEnvDuration("STUCK_REQUEUE_AFTER", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	userMax, err := getEnvInt("RATE_LIMIT_USER_MAX", 100)
	if err != nil {
		return nil, err
	}
	userWindow, err := getEnvDuration("RATE_LIMIT_USER_WINDOW", time.Hour)
	if err != nil {
		return nil, err
	}
	tenantMax, err := getEnvInt("RATE_LIMIT_TENANT_MAX", 100)
	if err != nil {
		return nil, err
	}
	tenantWindow, err := getEnvDuration("RATE_LIMIT_TENANT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}
	successRate, err := getEnvFloat("PROVIDER_SUCCESS_RATE", 0.92)
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "dispatch"),
			Password: getEnv("DB_PASSWORD", "dispatch"),
			DBName:   getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Queue: QueueConfig{
			RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
			QueueName: getEnv("QUEUE_NAME", "dispatch_sends"),
		},
		API: APIConfig{
			Port: apiPort,
		},
		Worker: WorkerConfig{
			Concurrency:       workerConcurrency,
			MaxRetries:        maxRetries,
			BaseRetryDelay:    baseRetryDelay,
			StuckRequeueAfter: stuckAfter,
		},
		RateLimit: RateLimitConfig{
			UserMax:      int64(userMax),
			UserWindow:   userWindow,
			TenantMax:    int64(tenantMax),
			TenantWindow: tenantWindow,
		},
		Policy: PolicyConfig{
			SMSRequireOptIn:      getEnvBool("POLICY_SMS_REQUIRE_OPT_IN", false),
			WhatsAppRequireOptIn: getEnvBool("POLICY_WHATSAPP_REQUIRE_OPT_IN", true),
		},
		Provider: ProviderConfig{
			SenderID:    getEnv("PROVIDER_SENDER_ID", "MIFUMO"),
			SuccessRate: successRate,
		},
	}, nil
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
