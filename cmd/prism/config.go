package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	envCacheDir = "PRISM_CACHE_DIR"
	envModel    = "PRISM_MODEL"
	envHubURL   = "PRISM_HUB_URL"
)

// Config represents the prism configuration file (~/.config/prism/config.yaml).
// Numeric and boolean fields are pointers so "not set" differs from zero.
type Config struct {
	CacheDir      string `yaml:"cache_dir"`
	CacheMaxBytes *int64 `yaml:"cache_max_bytes"`
	HubURL        string `yaml:"hub_url"`

	Model               string `yaml:"model"`
	Device              string `yaml:"device"`
	Quantization        string `yaml:"quantization"`
	DecoderQuantization string `yaml:"decoder_quantization"`
	ImageQuantization   string `yaml:"image_quantization"`
	StrictImageTokens   *bool  `yaml:"strict_image_tokens"`
	MaxNewTokens        *int64 `yaml:"max_new_tokens"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// fileConfig is read once before any command runs.
var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "prism", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags
// when the corresponding CLI flag was not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyCacheConfig(c *cli.Command, cfg Config) {
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.CacheMaxBytes != nil && !c.IsSet("cache-max-bytes") {
		cacheMaxBytes = *cfg.CacheMaxBytes
	}
	if cfg.HubURL != "" && !c.IsSet("hub-url") {
		hubURL = cfg.HubURL
	}
}

func applyModelConfig(c *cli.Command, cfg Config) {
	applyCacheConfig(c, cfg)
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.Quantization != "" && !c.IsSet("quantization") {
		quantization = cfg.Quantization
	}
	if cfg.DecoderQuantization != "" && !c.IsSet("decoder-quantization") {
		decoderQuant = cfg.DecoderQuantization
	}
	if cfg.ImageQuantization != "" && !c.IsSet("image-quantization") {
		imageQuant = cfg.ImageQuantization
	}
	if cfg.StrictImageTokens != nil && !c.IsSet("strict-image-tokens") {
		strictImageTokens = *cfg.StrictImageTokens
	}
}

func applyRunConfig(c *cli.Command, cfg Config, maxNewTokens *int64) {
	applyModelConfig(c, cfg)
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		*maxNewTokens = *cfg.MaxNewTokens
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// resolvedCacheDir falls back to the user cache directory.
func resolvedCacheDir() (string, error) {
	if cacheDir != "" {
		return cacheDir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prism"), nil
}
