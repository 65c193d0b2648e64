/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/kinesisagg/pkg/codec"
)

// Config represents the kplagg configuration
type Config struct {
	Aggregation   Aggregation   `yaml:"aggregation"`
	Deaggregation Deaggregation `yaml:"deaggregation"`
	Server        Server        `yaml:"server"`
	Spool         Spool         `yaml:"spool"`
	Logging       Logging       `yaml:"logging"`
}

// Aggregation controls container packing and delivery
type Aggregation struct {
	MaxBytes                int `yaml:"max_bytes"`
	MaxConcurrentDeliveries int `yaml:"max_concurrent_deliveries"`
}

// Deaggregation controls container decoding
type Deaggregation struct {
	VerifyChecksum bool `yaml:"verify_checksum"`
}

// Server contains HTTP adapter configuration
type Server struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Spool contains the on-disk container spool configuration
type Spool struct {
	Dir string `yaml:"dir"`
}

// Logging contains logging configuration
type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Aggregation: Aggregation{
			MaxBytes:                codec.MaxContainerBytes,
			MaxConcurrentDeliveries: 1,
		},
		Deaggregation: Deaggregation{
			VerifyChecksum: true,
		},
		Server: Server{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Spool: Spool{
			Dir: "./spool",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.Aggregation.MaxBytes <= codec.Overhead || c.Aggregation.MaxBytes > codec.MaxContainerBytes {
		errs = append(errs, fmt.Errorf("aggregation.max_bytes must be in (%d, %d], got %d",
			codec.Overhead, codec.MaxContainerBytes, c.Aggregation.MaxBytes))
	}
	if c.Aggregation.MaxConcurrentDeliveries < 1 {
		errs = append(errs, fmt.Errorf("aggregation.max_concurrent_deliveries must be at least 1, got %d",
			c.Aggregation.MaxConcurrentDeliveries))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// LoadConfig loads configuration from the specified path. Fields missing
// from the file keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold the API key
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateSecureKey generates a cryptographically secure random key
func GenerateSecureKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// BootstrapConfig writes a default configuration with a generated API key
func BootstrapConfig(configPath string, spoolDir string) (*Config, error) {
	config := DefaultConfig()
	if spoolDir != "" {
		config.Spool.Dir = spoolDir
	}

	apiKey, err := GenerateSecureKey(32) // 256 bits
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}
	config.Server.APIKey = apiKey

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./kplagg.yaml"
	}

	// ~/.config/kplagg/config.yaml
	configDir := filepath.Join(homeDir, ".config", "kplagg")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
