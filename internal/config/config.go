package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the capture agent
type Config struct {
	// Control surface (health/readiness/metrics) port
	Port string `envconfig:"PORT" default:"8080"`

	// Lab service endpoints
	APIBaseURL string `envconfig:"API_BASE_URL" default:"http://localhost:8000"`
	WSBaseURL  string `envconfig:"WS_BASE_URL" default:"ws://localhost:8000"`

	// Vision analysis configuration
	GridSizeMM          float64 `envconfig:"GRID_SIZE_MM" default:"10.0"`        // Reference grid cell size in millimeters
	UseCalibration      bool    `envconfig:"USE_CALIBRATION" default:"true"`     // Apply stored camera calibration server-side
	ConfidenceThreshold float64 `envconfig:"CONFIDENCE_THRESHOLD" default:"0.7"` // Minimum acceptable measurement confidence

	// Audio capture configuration
	MaxRecordSeconds    int    `envconfig:"MAX_RECORD_SECONDS" default:"300"`    // Hard duration ceiling for general capture
	MaxNarrationSeconds int    `envconfig:"MAX_NARRATION_SECONDS" default:"600"` // Hard duration ceiling for narration
	AudioSampleRate     int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioChannels       int    `envconfig:"AUDIO_CHANNELS" default:"1"`
	AudioInputFormat    string `envconfig:"AUDIO_INPUT_FORMAT" default:"pulse"` // ffmpeg input format (pulse, alsa, avfoundation)
	AudioInputDevice    string `envconfig:"AUDIO_INPUT_DEVICE" default:"default"`
	AudioChunkSize      int    `envconfig:"AUDIO_CHUNK_SIZE" default:"4096"`   // Bytes per captured chunk
	AudioBufferSize     int    `envconfig:"AUDIO_BUFFER_SIZE" default:"32768"` // Ring buffer size between reader and pump
	FFmpegPath          string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Progress session (websocket) configuration
	KeepAliveInterval    int `envconfig:"KEEPALIVE_INTERVAL" default:"30"`    // Keep-alive pulse interval in seconds
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"` // Reconnection attempt ceiling
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"2000"`   // Per-attempt backoff unit in milliseconds

	// Resilience configuration
	HTTPTimeout                int `envconfig:"HTTP_TIMEOUT" default:"60"`                  // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts for idempotent calls
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial retry backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if cfg.WSBaseURL == "" {
		return fmt.Errorf("WS_BASE_URL is required")
	}
	if !strings.HasPrefix(cfg.WSBaseURL, "ws://") && !strings.HasPrefix(cfg.WSBaseURL, "wss://") {
		return fmt.Errorf("WS_BASE_URL must use a ws:// or wss:// scheme, got %q", cfg.WSBaseURL)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0,1], got %v", cfg.ConfidenceThreshold)
	}
	if cfg.MaxRecordSeconds <= 0 || cfg.MaxNarrationSeconds <= 0 {
		return fmt.Errorf("duration ceilings must be positive")
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
