package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the vectord configuration file (~/.config/vectord/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Model
	ModelID          string `yaml:"model_id"`
	Revision         string `yaml:"revision"`
	UsePyTorch       *bool  `yaml:"use_pth"`
	ApproximateGELU  *bool  `yaml:"approximate_gelu"`
	ModelDir         string `yaml:"model_dir"`
	TokenizerBackend string `yaml:"tokenizer_backend"`
	Threads          *int64 `yaml:"threads"`

	// Hub
	CacheDir string `yaml:"cache_dir"`
	Endpoint string `yaml:"endpoint"`
	Offline  *bool  `yaml:"offline"`

	// Server
	ServerAddress  string         `yaml:"server_address"`
	Workers        *int64         `yaml:"workers"`
	ReadTimeout    *time.Duration `yaml:"read_timeout"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vectord", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config unless the path was given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model and hub flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelID != "" && !c.IsSet("model-id") {
		modelID = cfg.ModelID
	}
	if cfg.Revision != "" && !c.IsSet("revision") {
		revision = cfg.Revision
	}
	if cfg.UsePyTorch != nil && !c.IsSet("use-pth") {
		usePyTorch = *cfg.UsePyTorch
	}
	if cfg.ApproximateGELU != nil && !c.IsSet("approximate-gelu") {
		approximateGELU = *cfg.ApproximateGELU
	}
	if cfg.ModelDir != "" && !c.IsSet("model-dir") {
		modelDir = cfg.ModelDir
	}
	if cfg.TokenizerBackend != "" && !c.IsSet("tokenizer-backend") {
		tokenizerBackend = cfg.TokenizerBackend
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Endpoint != "" && !c.IsSet("endpoint") {
		endpoint = cfg.Endpoint
	}
	if cfg.Offline != nil && !c.IsSet("offline") {
		offline = *cfg.Offline
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, opts *serveOptions) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		opts.addr = cfg.ServerAddress
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		opts.workers = *cfg.Workers
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		opts.readTimeout = *cfg.ReadTimeout
	}
	if cfg.RequestTimeout != nil && !c.IsSet("request-timeout") {
		opts.requestTimeout = *cfg.RequestTimeout
	}
}
