package tenderwatch

import (
	"github.com/hazyhaar/licita/tenderwatch/internal/config"
)

// Config is the top-level tenderwatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// EngineConfig tunes the run loop.
type EngineConfig = config.EngineConfig

// CompanyConfig holds the per-company settings.
type CompanyConfig = config.CompanyConfig

// SinkConfig defines an outcome destination.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
