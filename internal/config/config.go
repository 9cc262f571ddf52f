package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the lecture transcriber
type Config struct {
	// Transcription backend (WhisperLive-style websocket server)
	TranscriberHost     string `envconfig:"TRANSCRIBER_HOST" required:"true"`
	TranscriberPort     int    `envconfig:"TRANSCRIBER_PORT" default:"443"`
	TranscriberModel    string `envconfig:"TRANSCRIBER_MODEL" default:"medium"` // tiny, base, small, medium, large-v3
	TranscriberLanguage string `envconfig:"TRANSCRIBER_LANGUAGE" default:"ko"`
	TranscriberUseVAD   bool   `envconfig:"TRANSCRIBER_USE_VAD" default:"true"`

	// Keep the same uid across reconnects so the backend can correlate streams.
	FreshUIDOnReconnect bool `envconfig:"FRESH_UID_ON_RECONNECT" default:"false"`

	// Resilience configuration
	ReconnectMaxRetries int           `envconfig:"RECONNECT_MAX_RETRIES" default:"3"`
	ReconnectMaxDelay   time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"5s"`
	HeartbeatInterval   time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`

	// Audio capture configuration
	AudioNativeSampleRate   int     `envconfig:"AUDIO_NATIVE_SAMPLE_RATE" default:"48000"`
	AudioAutoGain           bool    `envconfig:"AUDIO_AUTO_GAIN" default:"true"`
	AudioResetCarryOnPause  bool    `envconfig:"AUDIO_RESET_CARRY_ON_PAUSE" default:"false"`
	AudioLowSignalThreshold float64 `envconfig:"AUDIO_LOW_SIGNAL_THRESHOLD" default:"0.001"`
	RecordingPath           string  `envconfig:"RECORDING_PATH" default:""` // optional WAV copy of the streamed audio

	// Course management backend
	APIURL     string        `envconfig:"API_URL" default:""`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"30s"`

	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Local secret store
	SecretsPath       string `envconfig:"SECRETS_PATH" default:""`
	SecretsPassphrase string `envconfig:"SECRETS_PASSPHRASE" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`   // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"` // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.TranscriberHost == "" {
		return fmt.Errorf("TRANSCRIBER_HOST is required")
	}
	if c.TranscriberPort <= 0 || c.TranscriberPort > 65535 {
		return fmt.Errorf("TRANSCRIBER_PORT out of range: %d", c.TranscriberPort)
	}
	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("RECONNECT_MAX_RETRIES must not be negative")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.AudioNativeSampleRate <= 0 {
		return fmt.Errorf("AUDIO_NATIVE_SAMPLE_RATE must be positive")
	}
	if c.SecretsPath != "" && c.SecretsPassphrase == "" {
		return fmt.Errorf("SECRETS_PASSPHRASE is required when SECRETS_PATH is set")
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
