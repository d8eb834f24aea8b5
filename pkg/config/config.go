// Package config provides configuration loading and management for spinalseg.
// It handles loading configuration from YAML files and the environment and
// provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: SPINALSEG_DETECTOR_DEVICE sets
// detector.device.
const EnvPrefix = "SPINALSEG"

// Config represents the application configuration
type Config struct {
	// Model storage
	Models struct {
		// Dir is the cache directory holding one folder per installed model
		Dir string `yaml:"dir" mapstructure:"dir"`

		// Registry optionally replaces the built-in task registry
		Registry string `yaml:"registry" mapstructure:"registry"`
	} `yaml:"models" mapstructure:"models"`

	// Model download parameters
	Install struct {
		// Timeout bounds a single archive download
		Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"install" mapstructure:"install"`

	// Segmentation inference backend
	Segmenter struct {
		Command string   `yaml:"command" mapstructure:"command"`
		Args    []string `yaml:"args" mapstructure:"args"`
	} `yaml:"segmenter" mapstructure:"segmenter"`

	// Disc detection backend and peak finding
	Detector struct {
		Command     string   `yaml:"command" mapstructure:"command"`
		Args        []string `yaml:"args" mapstructure:"args"`
		Device      string   `yaml:"device" mapstructure:"device"`
		Threshold   float64  `yaml:"threshold" mapstructure:"threshold"`
		MinDistance int      `yaml:"minDistance" mapstructure:"mindistance"`
	} `yaml:"detector" mapstructure:"detector"`

	// Default segmentation options, overridden by command line flags
	Deepseg struct {
		Threshold   float64 `yaml:"threshold" mapstructure:"threshold"`
		RemoveTemp  bool    `yaml:"removeTemp" mapstructure:"removetemp"`
		Largest     int     `yaml:"largest" mapstructure:"largest"`
		FillHoles   bool    `yaml:"fillHoles" mapstructure:"fillholes"`
		RemoveSmall string  `yaml:"removeSmall" mapstructure:"removesmall"`
	} `yaml:"deepseg" mapstructure:"deepseg"`

	Log struct {
		// Level is one of debug, info, warn or error
		Level string `yaml:"level" mapstructure:"level"`
	} `yaml:"log" mapstructure:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Models.Dir = "~/.spinalseg/models"
	cfg.Models.Registry = ""

	cfg.Install.Timeout = 10 * time.Minute

	cfg.Segmenter.Command = "spinalseg-infer"
	cfg.Segmenter.Args = []string{}

	cfg.Detector.Command = "disclabel-net"
	cfg.Detector.Args = []string{}
	cfg.Detector.Device = "cpu"
	cfg.Detector.Threshold = 0.3
	cfg.Detector.MinDistance = 5

	cfg.Deepseg.Threshold = 0.9
	cfg.Deepseg.RemoveTemp = true
	cfg.Deepseg.Largest = 0
	cfg.Deepseg.FillHoles = false
	cfg.Deepseg.RemoveSmall = "0vox"

	cfg.Log.Level = "info"

	return cfg
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("models.dir", cfg.Models.Dir)
	v.SetDefault("models.registry", cfg.Models.Registry)
	v.SetDefault("install.timeout", cfg.Install.Timeout)
	v.SetDefault("segmenter.command", cfg.Segmenter.Command)
	v.SetDefault("segmenter.args", cfg.Segmenter.Args)
	v.SetDefault("detector.command", cfg.Detector.Command)
	v.SetDefault("detector.args", cfg.Detector.Args)
	v.SetDefault("detector.device", cfg.Detector.Device)
	v.SetDefault("detector.threshold", cfg.Detector.Threshold)
	v.SetDefault("detector.mindistance", cfg.Detector.MinDistance)
	v.SetDefault("deepseg.threshold", cfg.Deepseg.Threshold)
	v.SetDefault("deepseg.removetemp", cfg.Deepseg.RemoveTemp)
	v.SetDefault("deepseg.largest", cfg.Deepseg.Largest)
	v.SetDefault("deepseg.fillholes", cfg.Deepseg.FillHoles)
	v.SetDefault("deepseg.removesmall", cfg.Deepseg.RemoveSmall)
	v.SetDefault("log.level", cfg.Log.Level)
}

// LoadConfig loads configuration from a YAML file and SPINALSEG_ environment
// variables. A missing file leaves the defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	dir, err := expandHome(cfg.Models.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Models.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are present and sane
func (c *Config) Validate() error {
	var errs []string

	if c.Models.Dir == "" {
		errs = append(errs, "models.dir is required")
	}
	if c.Install.Timeout <= 0 {
		errs = append(errs, "install.timeout must be positive")
	}
	if c.Detector.Threshold < 0 || c.Detector.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("detector.threshold must be in [0, 1], got %g", c.Detector.Threshold))
	}
	if c.Detector.MinDistance < 1 {
		errs = append(errs, "detector.minDistance must be at least 1")
	}
	if c.Deepseg.Threshold < 0 || c.Deepseg.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("deepseg.threshold must be in [0, 1], got %g", c.Deepseg.Threshold))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
