package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	OAuth     OAuthConfig
	Breaker   BreakerConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Token     TokenConfig
	Webhook   WebhookConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string
	Port string
	// SelfURL is the externally reachable base URL of this deployment.
	// Job-transport bearer tokens must carry it as their audience.
	SelfURL string
	// AdminToken protects the admin/observability endpoints.
	AdminToken string
	// AdminTokenHash is a bcrypt hash of the admin token. When set it
	// takes precedence over AdminToken, so the plaintext never has to
	// live in the environment.
	AdminTokenHash string
	// ValidateJobTokens disables transport-token validation when false
	// (local development only).
	ValidateJobTokens bool
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OAuthConfig holds the provider OAuth client credentials used for
// token refresh
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// BreakerConfig holds circuit breaker tuning parameters
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping
	FailureWindow    time.Duration // window for consecutive-failure counting
	BaseCooldown     time.Duration // first open-state cooldown
	MaxCooldown      time.Duration // cooldown doubling cap
}

// SchedulerConfig holds adaptive scheduling tuning parameters
type SchedulerConfig struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
	TickInterval  time.Duration // planner scan cadence
}

// DispatchConfig holds job transport and idempotency parameters
type DispatchConfig struct {
	TransportURL    string        // base URL of the push task transport
	TransportToken  string        // bearer token for enqueue calls
	IdempotencyTTL  time.Duration // key-result retention, ~max retry window
	KeyBucket       time.Duration // coarse time bucket for scheduled keys
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration
}

// TokenConfig holds token health monitoring parameters
type TokenConfig struct {
	RefreshMargin      time.Duration // refresh when expiry is this close
	MaxRefreshFailures int           // failures before forcing re-auth
	SweepInterval      time.Duration
	RefreshTimeout     time.Duration
	// TimeoutEscalation is the attempt count after which repeated
	// timeouts are treated as fatal rather than transient.
	TimeoutEscalation int
}

// WebhookConfig holds push-channel renewal parameters
type WebhookConfig struct {
	RenewalMargin time.Duration // renew when expiry is this close
	SweepInterval time.Duration
	ChannelTTL    time.Duration // requested lifetime for new channels
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "localhost"),
			Port:              getEnv("SERVER_PORT", "8080"),
			SelfURL:           getEnv("SELF_URL", "http://localhost:8080"),
			AdminToken:        getEnv("ADMIN_TOKEN", ""),
			AdminTokenHash:    getEnv("ADMIN_TOKEN_HASH", ""),
			ValidateJobTokens: getEnvAsBool("VALIDATE_JOB_TOKENS", true),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "circlesync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "circlesync.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OAuth: OAuthConfig{
			ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
			TokenURL:     getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureWindow:    getEnvAsDuration("BREAKER_FAILURE_WINDOW", 10*time.Minute),
			BaseCooldown:     getEnvAsDuration("BREAKER_BASE_COOLDOWN", 15*time.Minute),
			MaxCooldown:      getEnvAsDuration("BREAKER_MAX_COOLDOWN", 4*time.Hour),
		},
		Scheduler: SchedulerConfig{
			MinInterval:   getEnvAsDuration("SYNC_MIN_INTERVAL", 5*time.Minute),
			MaxInterval:   getEnvAsDuration("SYNC_MAX_INTERVAL", 24*time.Hour),
			BackoffFactor: getEnvAsFloat("SYNC_BACKOFF_FACTOR", 1.5),
			TickInterval:  getEnvAsDuration("SYNC_TICK_INTERVAL", time.Minute),
		},
		Dispatch: DispatchConfig{
			TransportURL:    getEnv("TASK_TRANSPORT_URL", "http://localhost:8085"),
			TransportToken:  getEnv("TASK_TRANSPORT_TOKEN", ""),
			IdempotencyTTL:  getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			KeyBucket:       getEnvAsDuration("IDEMPOTENCY_KEY_BUCKET", 5*time.Minute),
			ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			StoreTimeout:    getEnvAsDuration("IDEMPOTENCY_STORE_TIMEOUT", 5*time.Second),
		},
		Token: TokenConfig{
			RefreshMargin:      getEnvAsDuration("TOKEN_REFRESH_MARGIN", 10*time.Minute),
			MaxRefreshFailures: getEnvAsInt("TOKEN_MAX_REFRESH_FAILURES", 3),
			SweepInterval:      getEnvAsDuration("TOKEN_SWEEP_INTERVAL", 5*time.Minute),
			RefreshTimeout:     getEnvAsDuration("TOKEN_REFRESH_TIMEOUT", 30*time.Second),
			TimeoutEscalation:  getEnvAsInt("TIMEOUT_ESCALATION_ATTEMPTS", 3),
		},
		Webhook: WebhookConfig{
			RenewalMargin: getEnvAsDuration("WEBHOOK_RENEWAL_MARGIN", 24*time.Hour),
			SweepInterval: getEnvAsDuration("WEBHOOK_SWEEP_INTERVAL", time.Hour),
			ChannelTTL:    getEnvAsDuration("WEBHOOK_CHANNEL_TTL", 7*24*time.Hour),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
