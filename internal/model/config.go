package model

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Environment variables read for credentials and endpoint overrides.
const (
	EnvAPIKey    = "API_KEY"
	EnvAPIURL    = "API_URL"
	EnvModelName = "MODEL_NAME"
)

const (
	DefaultAPIURL      = "https://api.siliconflow.cn/v1"
	DefaultModel       = "Pro/Qwen/Qwen2.5-VL-7B-Instruct"
	DefaultTimeout     = 60 * time.Second
	DefaultImageDetail = "low"
)

// ErrMissingAPIKey is returned when no credential is configured.
var ErrMissingAPIKey = errors.New("API_KEY is not set; export it or add it to the environment before running")

// Config describes an OpenAI-compatible vision endpoint.
type Config struct {
	APIKey      string
	APIURL      string
	Model       string
	Timeout     time.Duration
	ImageDetail string
	MaxTokens   int
}

// WithEnv overlays API_KEY, API_URL and MODEL_NAME onto cfg.
func (c Config) WithEnv() Config {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIURL)); v != "" {
		c.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvModelName)); v != "" {
		c.Model = v
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ImageDetail == "" {
		c.ImageDetail = DefaultImageDetail
	}
	return c
}

// Validate reports configuration that makes every call fail.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	switch c.ImageDetail {
	case "", "low", "high", "auto":
	default:
		return errors.New("image_detail must be one of low, high, auto")
	}
	return nil
}

// baseURL accepts either an API root or a full chat completions endpoint.
func baseURL(apiURL string) string {
	u := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	return strings.TrimSuffix(u, "/chat/completions")
}
