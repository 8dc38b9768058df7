// Package config loads trustbench.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mining-wb/MM-TrustBench/internal/model"
	"github.com/mining-wb/MM-TrustBench/internal/server"
)

// DefaultPath is where init writes and commands look by default.
const DefaultPath = "trustbench.yaml"

// Config is the project configuration. Credentials are never part of it;
// API_KEY comes from the environment only.
type Config struct {
	Dataset DatasetConfig `yaml:"dataset"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Runner  RunnerConfig  `yaml:"runner"`
	Model   ModelConfig   `yaml:"model"`
	Server  ServerConfig  `yaml:"server"`
}

type DatasetConfig struct {
	Input    string `yaml:"input"`
	ImageDir string `yaml:"image_dir"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
	// Details is where audit --details writes graded rows.
	Details string `yaml:"details"`
}

type RunnerConfig struct {
	Workers int `yaml:"workers"`
}

type ModelConfig struct {
	APIURL         string `yaml:"api_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ImageDetail    string `yaml:"image_detail"`
	MaxTokens      int    `yaml:"max_tokens"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ImageRoot       string `yaml:"image_root"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	DatabasePath    string `yaml:"database_path"`
	TLSCertPath     string `yaml:"tls_cert"`
	TLSKeyPath      string `yaml:"tls_key"`
}

func Default() Config {
	srv := server.DefaultConfig()
	return Config{
		Dataset: DatasetConfig{
			Input:    filepath.Join("data", "annotations", "mini_pope.jsonl"),
			ImageDir: filepath.Join("data", "images"),
		},
		Ledger: LedgerConfig{
			Path:    filepath.Join("data", "prediction_results.jsonl"),
			Details: filepath.Join("data", "analysis_results.jsonl"),
		},
		Runner: RunnerConfig{Workers: 1},
		Model: ModelConfig{
			APIURL:         model.DefaultAPIURL,
			Model:          model.DefaultModel,
			TimeoutSeconds: int(model.DefaultTimeout / time.Second),
			ImageDetail:    model.DefaultImageDetail,
		},
		Server: ServerConfig{
			Addr:            srv.Addr,
			ImageRoot:       filepath.Join("data", "images"),
			CacheTTLSeconds: srv.CacheTTLSeconds,
			MaxBodyBytes:    srv.MaxBodyBytes,
			DatabasePath:    filepath.Join("data", "trustbench.db"),
		},
	}
}

// Load reads path over the defaults, so omitted keys keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does
// not exist.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Runner.Workers < 1 {
		errs = append(errs, fmt.Errorf("runner.workers must be at least 1, got %d", c.Runner.Workers))
	}
	if c.Model.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("model.timeout_seconds must not be negative"))
	}
	if c.Model.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must not be negative"))
	}
	switch c.Model.ImageDetail {
	case "", "low", "high", "auto":
	default:
		errs = append(errs, fmt.Errorf("model.image_detail must be one of low, high, auto"))
	}
	if c.Server.CacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.cache_ttl_seconds must not be negative"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must not be negative"))
	}
	if (c.Server.TLSCertPath == "") != (c.Server.TLSKeyPath == "") {
		errs = append(errs, fmt.Errorf("server.tls_cert and server.tls_key must be set together"))
	}
	return errors.Join(errs...)
}

// ModelClient converts the model section, overlaying API_KEY, API_URL and
// MODEL_NAME from the environment.
func (c Config) ModelClient() model.Config {
	return model.Config{
		APIURL:      c.Model.APIURL,
		Model:       c.Model.Model,
		Timeout:     time.Duration(c.Model.TimeoutSeconds) * time.Second,
		ImageDetail: c.Model.ImageDetail,
		MaxTokens:   c.Model.MaxTokens,
	}.WithEnv()
}

func (c Config) HTTPServer() server.Config {
	return server.Config{
		Addr:            c.Server.Addr,
		ImageRoot:       c.Server.ImageRoot,
		CacheTTLSeconds: c.Server.CacheTTLSeconds,
		MaxBodyBytes:    c.Server.MaxBodyBytes,
		TLSCertPath:     c.Server.TLSCertPath,
		TLSKeyPath:      c.Server.TLSKeyPath,
	}
}
