package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/wrale/qwen-device-proxy/internal/broker"
)

// Config holds server configuration loaded from environment variables
type Config struct {
	Port int    `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"localhost"`

	ClientID           string `envconfig:"QWEN_CLIENT_ID" default:"f0304373b74a44d2b584a3fb70ca9e56"`
	DeviceCodeEndpoint string `envconfig:"QWEN_DEVICE_CODE_ENDPOINT" default:"https://chat.qwen.ai/api/v1/oauth2/device/code"`
	TokenEndpoint      string `envconfig:"QWEN_TOKEN_ENDPOINT" default:"https://chat.qwen.ai/api/v1/oauth2/token"`
	Scope              string `envconfig:"QWEN_SCOPE" default:"openid profile email model.completion"`
	DefaultBaseURL     string `envconfig:"DEFAULT_BASE_URL" default:"https://dashscope.aliyuncs.com/compatible-mode/v1"`
	UserAgent          string `envconfig:"USER_AGENT" default:"QwenOpenAIProxy/1.0.0 (linux; x64)"`

	DefaultModel          string `envconfig:"DEFAULT_MODEL" default:"qwen3-coder-plus"`
	DefaultEmbeddingModel string `envconfig:"DEFAULT_EMBEDDING_MODEL" default:"text-embedding-v1"`
	StateDir              string `envconfig:"STATE_DIR"` // defaults to ~/.qwen

	TokenRefreshBuffer time.Duration `envconfig:"TOKEN_REFRESH_BUFFER" default:"30s"`
	APITimeout         time.Duration `envconfig:"API_TIMEOUT" default:"300s"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	MaxPollAttempts    int           `envconfig:"MAX_POLL_ATTEMPTS" default:"60"`

	APIKey   string `envconfig:"API_KEY"`
	RedisURL string `envconfig:"REDIS_URL"`

	InitiateRate  float64 `envconfig:"INITIATE_RATE" default:"0.2"` // requests per second per client
	InitiateBurst int     `envconfig:"INITIATE_BURST" default:"3"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
}

// loadConfig reads the environment and fills in derived defaults
func loadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading configuration: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.StateDir = filepath.Join(home, ".qwen")
	}

	return cfg, nil
}

// Addr returns the listen address
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) brokerConfig() broker.Config {
	return broker.Config{
		StateDir:           c.StateDir,
		ClientID:           c.ClientID,
		Scope:              c.Scope,
		DeviceCodeEndpoint: c.DeviceCodeEndpoint,
		TokenEndpoint:      c.TokenEndpoint,
		DefaultBaseURL:     c.DefaultBaseURL,
		UserAgent:          c.UserAgent,
		RefreshBuffer:      c.TokenRefreshBuffer,
		APITimeout:         c.APITimeout,
		PollInterval:       c.PollInterval,
		MaxPollAttempts:    c.MaxPollAttempts,
	}
}
