package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amillerrr/reelplayer/internal/playback"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	AWS           AWSConfig
	Player        PlayerConfig
	Comments      CommentsConfig
	Probe         ProbeConfig
	API           APIConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region         string
	MediaBucket    string
	DynamoDBTable  string
	EventsQueueURL string
	PresignTTL     time.Duration
}

// PlayerConfig holds playback controller policy.
type PlayerConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	LoadTimeout  time.Duration
	FillMode     playback.FillMode
	ScreenWidth  float64
	ScreenHeight float64
}

// CommentsConfig holds comment API client configuration.
type CommentsConfig struct {
	BaseURL        string
	SigningSecret  string
	ServiceSubject string
	RequestTimeout time.Duration
}

// ProbeConfig holds feed probe configuration.
type ProbeConfig struct {
	PageSize      int
	MaxConcurrent int
	Interval      time.Duration
	UserAgent     string
}

// APIConfig holds the probe control server configuration.
type APIConfig struct {
	Port      string
	JWTSecret string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	LogLevel     string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort           = "8080"
	DefaultOTLPEndpoint   = "localhost:4317"
	DefaultRegion         = "us-west-2"
	DefaultPresignTTL     = 15 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
	DefaultPageSize       = 20
	DefaultMaxConcurrent  = 4
	DefaultProbeInterval  = 5 * time.Minute
	DefaultScreenWidth    = 1080
	DefaultScreenHeight   = 2340
	DefaultServiceSubject = "feedprobe"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	fillMode, err := playback.ParseFillMode(os.Getenv("PLAYER_FILL_MODE"))
	if err != nil {
		return nil, fmt.Errorf("PLAYER_FILL_MODE: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:         getEnv("AWS_REGION", DefaultRegion),
			MediaBucket:    os.Getenv("MEDIA_BUCKET"),
			DynamoDBTable:  os.Getenv("DYNAMODB_TABLE"),
			EventsQueueURL: os.Getenv("EVENTS_QUEUE_URL"),
			PresignTTL:     getEnvDuration("PRESIGN_TTL", DefaultPresignTTL),
		},
		Player: PlayerConfig{
			MaxAttempts:  getEnvIntAllowZero("PLAYER_MAX_ATTEMPTS", playback.DefaultMaxAttempts),
			BaseDelay:    getEnvDuration("PLAYER_RETRY_BASE_DELAY", playback.DefaultBaseDelay),
			LoadTimeout:  getEnvDuration("PLAYER_LOAD_TIMEOUT", playback.DefaultLoadTimeout),
			FillMode:     fillMode,
			ScreenWidth:  float64(getEnvInt("PLAYER_SCREEN_WIDTH", DefaultScreenWidth)),
			ScreenHeight: float64(getEnvInt("PLAYER_SCREEN_HEIGHT", DefaultScreenHeight)),
		},
		Comments: CommentsConfig{
			BaseURL:        strings.TrimRight(os.Getenv("COMMENTS_API_URL"), "/"),
			SigningSecret:  os.Getenv("COMMENTS_SIGNING_SECRET"),
			ServiceSubject: getEnv("COMMENTS_SERVICE_SUBJECT", DefaultServiceSubject),
			RequestTimeout: getEnvDuration("COMMENTS_REQUEST_TIMEOUT", DefaultRequestTimeout),
		},
		Probe: ProbeConfig{
			PageSize:      getEnvInt("PROBE_PAGE_SIZE", DefaultPageSize),
			MaxConcurrent: getEnvInt("PROBE_MAX_CONCURRENT", DefaultMaxConcurrent),
			Interval:      getEnvDuration("PROBE_INTERVAL", DefaultProbeInterval),
			UserAgent:     getEnv("PROBE_USER_AGENT", "reelplayer-feedprobe/1.0"),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	return cfg, nil
}

// LoadProbe loads configuration required for the feed probe.
func LoadProbe() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateProbe(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateProbe validates configuration required for the feed probe.
func (c *Config) ValidateProbe() error {
	var errs []string

	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if c.Player.MaxAttempts > 10 {
		errs = append(errs, "PLAYER_MAX_ATTEMPTS must be at most 10")
	}
	if c.Player.ScreenWidth <= 0 || c.Player.ScreenHeight <= 0 {
		errs = append(errs, "PLAYER_SCREEN_WIDTH and PLAYER_SCREEN_HEIGHT must be positive")
	}
	if c.Comments.BaseURL != "" && !strings.HasPrefix(c.Comments.BaseURL, "http") {
		errs = append(errs, "COMMENTS_API_URL must be an http(s) URL")
	}

	if c.IsProduction() {
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		} else if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
		if c.AWS.EventsQueueURL == "" {
			errs = append(errs, "EVENTS_QUEUE_URL is required in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// RetryPolicy returns the player retry policy.
func (c *Config) RetryPolicy() playback.RetryPolicy {
	return playback.RetryPolicy{
		MaxAttempts: c.Player.MaxAttempts,
		BaseDelay:   c.Player.BaseDelay,
	}
}

// Screen returns the display area the probe lays media out on.
func (c *Config) Screen() playback.Dimensions {
	return playback.Dimensions{Width: c.Player.ScreenWidth, Height: c.Player.ScreenHeight}
}

// GetJWTSecret returns the secret used to validate control API tokens.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvIntAllowZero(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
