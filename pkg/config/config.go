package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"flashkv/pkg/flash"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Flash   FlashConfig   `yaml:"flash"`
	Storage StorageConfig `yaml:"storage"`
	Image   ImageConfig   `yaml:"image"`
	System  SystemConfig  `yaml:"system"`
}

type FlashConfig struct {
	Geometry   flash.Geometry `yaml:",inline"`
	Multiwrite bool           `yaml:"multiwrite"` // allow Remove
}

// StorageConfig places the key/value log on the device. End 0 means the end
// of the device.
type StorageConfig struct {
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
}

type ImageConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite or badger
	Path    string `yaml:"path"`
}

type SystemConfig struct {
	KeyCacheSize int    `yaml:"key_cache_size"` // 0 disables the cache
	ExpectedKeys uint   `yaml:"expected_keys"`
	LogLevel     string `yaml:"log_level"`
}

func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Flash: FlashConfig{
			Geometry: flash.Geometry{
				ReadSize:  1,
				WriteSize: 4,
				EraseSize: 4096,
				Capacity:  64 * 1024,
			},
			Multiwrite: true,
		},
		Image: ImageConfig{
			Backend: "sqlite",
			Path:    "flashkv.db",
		},
		System: SystemConfig{
			KeyCacheSize: 256,
			ExpectedKeys: 1024,
			LogLevel:     "info",
		},
	}

	if configPath == "" {
		for _, p := range []string{"configs/flashkv.yaml", "flashkv.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				return cfg, cfg.Validate()
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.End == 0 {
		cfg.Storage.End = uint32(cfg.Flash.Geometry.Capacity)
	}
	if cfg.Image.Backend == "" {
		cfg.Image.Backend = "memory"
	}
	if cfg.System.KeyCacheSize < 0 {
		cfg.System.KeyCacheSize = 0
	}
	if cfg.System.ExpectedKeys == 0 {
		cfg.System.ExpectedKeys = 1024
	}
	if cfg.System.LogLevel == "" {
		cfg.System.LogLevel = "info"
	}
}

// Validate checks what can be checked without opening the device.
func (c *Config) Validate() error {
	if err := c.Flash.Geometry.Validate(); err != nil {
		return err
	}
	if c.Storage.End <= c.Storage.Start || uint64(c.Storage.End) > uint64(c.Flash.Geometry.Capacity) {
		return fmt.Errorf("config: storage range [%d, %d) outside device of %d bytes", c.Storage.Start, c.Storage.End, c.Flash.Geometry.Capacity)
	}
	switch c.Image.Backend {
	case "memory", "sqlite", "badger":
	default:
		return fmt.Errorf("config: unknown image backend %q", c.Image.Backend)
	}
	if _, err := c.System.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (s SystemConfig) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}
