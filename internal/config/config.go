package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers for origin-local storage.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config contains runtime configuration values.
type Config struct {
	Environment        string
	HTTPPort           string
	ServiceName        string
	AuthOriginURL      string
	DashboardOriginURL string
	LoginPath          string
	TransitionPath     string

	CookieDomain string
	CookieSecure bool

	SessionTTL       time.Duration
	InactivityWindow time.Duration
	TransitionTTL    time.Duration
	RevalidateAfter  time.Duration

	AppClientID        string
	AppClientSecret    string
	AppCredentialTTL   time.Duration
	AppAuthMaxAttempts int
	AppAuthRetryDelay  time.Duration
	MaxManualRetries   int

	BackendURL     string
	BackendTimeout time.Duration

	HandoffSigningKey string

	StoreDriver   string
	LocalStoreTTL time.Duration
	PurgeInterval time.Duration
	NodeID        int64
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		ServiceName:          getEnv("SERVICE_NAME", "valora-bridge"),
		AuthOriginURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("AUTH_ORIGIN_URL")), "/"),
		DashboardOriginURL:   strings.TrimRight(strings.TrimSpace(os.Getenv("DASHBOARD_ORIGIN_URL")), "/"),
		LoginPath:            getEnv("LOGIN_PATH", "/login"),
		TransitionPath:       getEnv("TRANSITION_PATH", "/auth/transition"),
		CookieDomain:         os.Getenv("COOKIE_DOMAIN"),
		CookieSecure:         getBool("COOKIE_SECURE", false),
		SessionTTL:           getDuration("SESSION_TTL", 24*time.Hour),
		InactivityWindow:     getDuration("INACTIVITY_WINDOW", 4*time.Hour),
		TransitionTTL:        getDuration("TRANSITION_TTL", 5*time.Minute),
		RevalidateAfter:      getDuration("REVALIDATE_AFTER", 5*time.Minute),
		AppClientID:          strings.TrimSpace(os.Getenv("APP_CLIENT_ID")),
		AppClientSecret:      strings.TrimSpace(os.Getenv("APP_CLIENT_SECRET")),
		AppCredentialTTL:     getDuration("APP_CREDENTIAL_TTL", time.Hour),
		AppAuthMaxAttempts:   getInt("APP_AUTH_MAX_ATTEMPTS", 3),
		AppAuthRetryDelay:    getDuration("APP_AUTH_RETRY_DELAY", 500*time.Millisecond),
		MaxManualRetries:     getInt("MAX_MANUAL_RETRIES", 3),
		BackendURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_URL")), "/"),
		BackendTimeout:       getDuration("BACKEND_TIMEOUT", 10*time.Second),
		HandoffSigningKey:    os.Getenv("HANDOFF_SIGNING_KEY"),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		LocalStoreTTL:        getDuration("LOCAL_STORE_TTL", 30*24*time.Hour),
		PurgeInterval:        getDuration("LOCAL_STORE_PURGE_INTERVAL", time.Hour),
		NodeID:               int64(getInt("NODE_ID", 0)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", nil),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and the relationships between TTLs.
func (c Config) Validate() error {
	required := []struct{ key, value string }{
		{"BACKEND_URL", c.BackendURL},
		{"APP_CLIENT_ID", c.AppClientID},
		{"APP_CLIENT_SECRET", c.AppClientSecret},
		{"AUTH_ORIGIN_URL", c.AuthOriginURL},
		{"DASHBOARD_ORIGIN_URL", c.DashboardOriginURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	for _, raw := range []string{c.AuthOriginURL, c.DashboardOriginURL, c.BackendURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%q must be an absolute URL", raw)
		}
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.InactivityWindow <= 0 || c.InactivityWindow >= c.SessionTTL {
		return fmt.Errorf("INACTIVITY_WINDOW must be positive and shorter than SESSION_TTL")
	}
	if c.TransitionTTL <= 0 {
		return fmt.Errorf("TRANSITION_TTL must be positive")
	}
	if c.HandoffSigningKey != "" && len(c.HandoffSigningKey) < 32 {
		return fmt.Errorf("HANDOFF_SIGNING_KEY must be at least 32 bytes")
	}
	if c.AppAuthMaxAttempts < 1 {
		return fmt.Errorf("APP_AUTH_MAX_ATTEMPTS must be at least 1")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023")
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// AllowedOrigins returns the configured CORS origins, defaulting to both
// first-party origins.
func (c Config) AllowedOrigins() []string {
	if len(c.CORSAllowedOrigins) > 0 {
		return c.CORSAllowedOrigins
	}
	return []string{c.AuthOriginURL, c.DashboardOriginURL}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
