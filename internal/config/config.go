// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	GRPCPort           string
	FrontendURL        string
	DBPath             string
	LogLevel           string
	SessionBackend     string
	RedisURL           string
	SessionTTL         time.Duration
	DailyCredits       int
	RateLimitPerMinute int
	AdminToken         string
	SecureCookies      bool
	PipelineTimeout    time.Duration
	HealthInterval     time.Duration
	Model              ModelConfig
	Context            ContextConfig
	CatalogPath        string
}

// ModelConfig configures the OpenAI-compatible chat model and the
// generation engine around it.
type ModelConfig struct {
	APIKey            string
	BaseURL           string
	Name              string
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	MaxRepairAttempts int
	Retries           int
}

// ContextConfig configures the context gatherer and its providers.
type ContextConfig struct {
	DefaultLocation string
	Locations       []Location
	LocationLimit   int
	TimeZone        string
	WeatherURL      string
	GeocodeURL      string
	TrafficURL      string
	TrafficAPIKey   string
	ProviderTimeout time.Duration
}

// Location is a monitored area. Coordinates are optional; unset ones are
// geocoded at request time.
type Location struct {
	Name string   `yaml:"name"`
	Lat  *float64 `yaml:"lat"`
	Lon  *float64 `yaml:"lon"`
}

// fileConfig is the optional YAML overlay named by PIPELINE_CONFIG.
type fileConfig struct {
	DefaultLocation string     `yaml:"default_location"`
	TimeZone        string     `yaml:"timezone"`
	CatalogPath     string     `yaml:"catalog_path"`
	Locations       []Location `yaml:"locations"`
}

// Load reads configuration from environment variables and the optional
// PIPELINE_CONFIG file. Environment values win over the file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		GRPCPort:           getEnv("GRPC_PORT", "9090"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/itinera.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		SessionBackend:     strings.ToLower(getEnv("SESSION_BACKEND", SessionBackendMemory)),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SessionTTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
		DailyCredits:       getEnvInt("DAILY_CREDITS", 10),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 6),
		AdminToken:         getEnv("ADMIN_TOKEN", ""),
		PipelineTimeout:    getEnvDuration("PIPELINE_TIMEOUT", 3*time.Minute),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		Model: ModelConfig{
			APIKey:            getEnv("MODEL_API_KEY", ""),
			BaseURL:           getEnv("MODEL_BASE_URL", "https://openrouter.ai/api/v1"),
			Name:              getEnv("MODEL_NAME", "openai/gpt-4o-mini"),
			MaxTokens:         getEnvInt("MODEL_MAX_TOKENS", 2048),
			Temperature:       getEnvFloat("MODEL_TEMPERATURE", 0.4),
			Timeout:           getEnvDuration("MODEL_TIMEOUT", 60*time.Second),
			MaxRepairAttempts: getEnvInt("GEN_MAX_REPAIR_ATTEMPTS", 2),
			Retries:           getEnvInt("GEN_MODEL_RETRIES", 3),
		},
		Context: ContextConfig{
			LocationLimit:   getEnvInt("TRAFFIC_LOCATION_LIMIT", 3),
			WeatherURL:      getEnv("WEATHER_API_URL", ""),
			GeocodeURL:      getEnv("GEOCODE_API_URL", ""),
			TrafficURL:      getEnv("TRAFFIC_API_URL", ""),
			TrafficAPIKey:   getEnv("TRAFFIC_API_KEY", ""),
			ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 8*time.Second),
		},
	}

	if path := getEnv("PIPELINE_CONFIG", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.Context.DefaultLocation = getEnv("DEFAULT_LOCATION", orDefault(cfg.Context.DefaultLocation, "Lisbon"))
	cfg.Context.TimeZone = getEnv("TIMEZONE", orDefault(cfg.Context.TimeZone, "UTC"))
	cfg.CatalogPath = getEnv("CATALOG_PATH", cfg.CatalogPath)
	cfg.SecureCookies = getEnvBool("SECURE_COOKIES", !cfg.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse pipeline config: %w", err)
	}
	c.Context.DefaultLocation = fc.DefaultLocation
	c.Context.TimeZone = fc.TimeZone
	c.Context.Locations = fc.Locations
	c.CatalogPath = fc.CatalogPath
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be %q or %q", SessionBackendMemory, SessionBackendRedis)
	}
	if c.DailyCredits < 0 {
		return fmt.Errorf("DAILY_CREDITS must be >= 0")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if c.Model.MaxRepairAttempts < 0 {
		return fmt.Errorf("GEN_MAX_REPAIR_ATTEMPTS must be >= 0")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("MODEL_MAX_TOKENS must be > 0")
	}
	if c.Context.LocationLimit <= 0 {
		return fmt.Errorf("TRAFFIC_LOCATION_LIMIT must be > 0")
	}
	if _, err := time.LoadLocation(c.Context.TimeZone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	for i, l := range c.Context.Locations {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("locations[%d]: name cannot be empty", i)
		}
		if (l.Lat == nil) != (l.Lon == nil) {
			return fmt.Errorf("locations[%d]: lat and lon must be set together", i)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LocationNames returns the monitored area names in configured order.
func (c *Config) LocationNames() []string {
	names := make([]string, 0, len(c.Context.Locations))
	for _, l := range c.Context.Locations {
		names = append(names, l.Name)
	}
	return names
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
