package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the per-repository settings read from .twig/config.yaml.
type Config struct {
	LogLevel     string `yaml:"log_level"`     // debug, info, warn, error
	OrphanPolicy string `yaml:"orphan_policy"` // conflict, move

	Vault struct {
		CompressionMinSize int `yaml:"compression_min_size"`
		CompressionLevel   int `yaml:"compression_level"`
		CacheSize          int `yaml:"cache_size"`
	} `yaml:"vault"`
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	cfg := &Config{
		LogLevel:     "error",
		OrphanPolicy: "conflict",
	}
	cfg.Vault.CompressionMinSize = 1024
	cfg.Vault.CompressionLevel = 3
	cfg.Vault.CacheSize = 1000
	return cfg
}

// Load reads the config at path, falling back to defaults when the file
// does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWIG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TWIG_ORPHAN_POLICY"); v != "" {
		cfg.OrphanPolicy = v
	}
}

func (c *Config) validate() error {
	switch c.OrphanPolicy {
	case "conflict", "move":
	default:
		return fmt.Errorf("unknown orphan policy %q", c.OrphanPolicy)
	}
	return nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
