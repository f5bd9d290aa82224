package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Storage backends accepted by StorageBackend.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Defaults
const (
	DefaultAPIURL           = "http://localhost:8080/api"
	DefaultAIURL            = "ws://localhost:8080/ws/ai"
	DefaultAIRequestTimeout = 30 * time.Second
	DefaultSubscriptionTTL  = 5 * time.Minute
	DefaultDNSCacheTTL      = 5 * time.Minute
	DefaultMetricsAddr      = "127.0.0.1:9091"
	DefaultGatewayAddr      = "127.0.0.1:8080"
)

// Config holds the runtime configuration of the finpulse client.
type Config struct {
	DataDir string

	// Billing REST API base URL
	APIURL string

	// AI gateway endpoints, primary first
	AIURL          string
	AIFallbackURLs []string
	AITimeout      time.Duration

	StorageBackend  string
	SubscriptionTTL time.Duration
	DNSCacheTTL     time.Duration

	MetricsAddr string
	GatewayAddr string

	LogLevel  string
	LogFormat string
	LogFile   string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "finpulse")
	}
	return ".finpulse"
}

// Load reads .env files and environment variables on top of the defaults.
func Load() (*Config, error) {
	dataDir := DefaultDataDir()
	if dir := os.Getenv("FINPULSE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:         dataDir,
		APIURL:          DefaultAPIURL,
		AIURL:           DefaultAIURL,
		AITimeout:       DefaultAIRequestTimeout,
		StorageBackend:  StorageSQLite,
		SubscriptionTTL: DefaultSubscriptionTTL,
		DNSCacheTTL:     DefaultDNSCacheTTL,
		MetricsAddr:     DefaultMetricsAddr,
		GatewayAddr:     DefaultGatewayAddr,
		LogLevel:        "info",
		LogFormat:       "auto",
		EnvOverrides:    make(map[string]bool),
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FINPULSE_DATA_DIR"); v != "" {
		c.EnvOverrides["dataDir"] = true
	}
	if v := os.Getenv("FINPULSE_API_URL"); v != "" {
		c.APIURL = strings.TrimRight(v, "/")
		c.EnvOverrides["apiURL"] = true
	}
	if v := os.Getenv("FINPULSE_AI_URL"); v != "" {
		c.AIURL = v
		c.EnvOverrides["aiURL"] = true
	}
	if v := os.Getenv("FINPULSE_AI_FALLBACK_URLS"); v != "" {
		c.AIFallbackURLs = splitList(v)
		c.EnvOverrides["aiFallbackURLs"] = true
	}
	if d, ok := envDuration("FINPULSE_AI_TIMEOUT"); ok {
		c.AITimeout = d
		c.EnvOverrides["aiTimeout"] = true
	}
	if v := os.Getenv("FINPULSE_STORAGE"); v != "" {
		c.StorageBackend = strings.ToLower(strings.TrimSpace(v))
		c.EnvOverrides["storageBackend"] = true
	}
	if d, ok := envDuration("FINPULSE_SUBSCRIPTION_TTL"); ok {
		c.SubscriptionTTL = d
		c.EnvOverrides["subscriptionTTL"] = true
	}
	if d, ok := envDuration("FINPULSE_DNS_CACHE_TTL"); ok {
		c.DNSCacheTTL = d
		c.EnvOverrides["dnsCacheTTL"] = true
	}
	if v := os.Getenv("FINPULSE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
		c.EnvOverrides["metricsAddr"] = true
	}
	if v := os.Getenv("FINPULSE_GATEWAY_ADDR"); v != "" {
		c.GatewayAddr = v
		c.EnvOverrides["gatewayAddr"] = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
		c.EnvOverrides["logLevel"] = true
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
		c.EnvOverrides["logFormat"] = true
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
		c.EnvOverrides["logFile"] = true
	}
}

// Validate checks the configuration for values the client cannot work with.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("invalid API URL %q: %w", c.APIURL, err)
	}
	for _, raw := range append([]string{c.AIURL}, c.AIFallbackURLs...) {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid AI gateway URL %q: %w", raw, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid AI gateway URL %q: scheme must be ws or wss", raw)
		}
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI timeout must be positive, got %s", c.AITimeout)
	}
	switch c.StorageBackend {
	case StorageSQLite, StorageFile, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	return nil
}

// AIEndpoints returns the primary gateway URL followed by its fallbacks.
func (c *Config) AIEndpoints() []string {
	endpoints := make([]string, 0, 1+len(c.AIFallbackURLs))
	endpoints = append(endpoints, c.AIURL)
	return append(endpoints, c.AIFallbackURLs...)
}

// envDuration accepts Go durations ("45s") and bare seconds ("45").
func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid duration")
	return 0, false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
