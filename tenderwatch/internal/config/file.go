// Package config handles tenderwatch configuration from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the run CLI and the
// dispatcher.
type Config struct {
	Browser   BrowserConfig            `yaml:"browser"`
	Engine    EngineConfig             `yaml:"engine"`
	Companies map[string]CompanyConfig `yaml:"companies"`
	Sinks     []SinkConfig             `yaml:"sinks"`
	Journal   JournalConfig            `yaml:"journal"`
	MCP       MCPConfig                `yaml:"mcp"`
	Dispatch  DispatchConfig           `yaml:"dispatch"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote            string        `yaml:"remote"`
	Stealth           string        `yaml:"stealth"` // headless | headful
	XvfbDisplay       string        `yaml:"xvfb_display"`
	ResourceBlocking  []string      `yaml:"resource_blocking"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	// VerifyTLS turns certificate checking on for the browser and for
	// direct fetches. Off by default: several portals serve broken chains.
	VerifyTLS bool `yaml:"verify_tls"`
}

// EngineConfig tunes the run loop.
type EngineConfig struct {
	StallAfter     time.Duration `yaml:"stall_after"`
	MaxRows        int           `yaml:"max_rows"`
	IdlePasses     int           `yaml:"idle_passes"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after"`
}

// CompanyConfig holds the per-company settings.
type CompanyConfig struct {
	Keywords         []string      `yaml:"keywords"`
	URL              string        `yaml:"url"`
	NotionDatabaseID string        `yaml:"notion_database_id"`
	StoragePrefix    string        `yaml:"storage_prefix"`
	WorkerCommand    []string      `yaml:"worker_command"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout"`
	BidderCNPJ       string        `yaml:"bidder_cnpj"`
}

// SinkConfig defines an outcome destination besides stdout.
type SinkConfig struct {
	Type    string            `yaml:"type"` // stdout | webhook
	URL     string            `yaml:"url"`  // for webhook
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Retries int               `yaml:"retries"`
}

// JournalConfig controls the sqlite run journal.
type JournalConfig struct {
	Enabled *bool  `yaml:"enabled"` // default true
	Path    string `yaml:"path"`    // default {output}/logs/runs.db
}

// On reports whether the journal is enabled.
func (j JournalConfig) On() bool { return j.Enabled == nil || *j.Enabled }

// MCPConfig confines the output directories MCP tools may touch.
type MCPConfig struct {
	Root string `yaml:"root"`
}

// DispatchConfig configures the HTTP front door.
type DispatchConfig struct {
	Addr       string        `yaml:"addr"`
	OutputRoot string        `yaml:"output_root"`
	Command    []string      `yaml:"command"` // tenderwatch invocation prefix
	RunTimeout time.Duration `yaml:"run_timeout"`
	Bucket     string        `yaml:"bucket"`
	Model      string        `yaml:"model"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Company returns the settings of companyID, matched case-insensitively.
func (c *Config) Company(companyID string) CompanyConfig {
	id := strings.ToUpper(strings.TrimSpace(companyID))
	if cc, ok := c.Companies[id]; ok {
		return cc
	}
	for k, cc := range c.Companies {
		if strings.EqualFold(k, id) {
			return cc
		}
	}
	return CompanyConfig{}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Browser.Stealth) {
	case "", "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth %q: want headless or headful", c.Browser.Stealth)
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.NavigationTimeout <= 0 {
		c.Browser.NavigationTimeout = 60 * time.Second
	}
	if c.Browser.ActionTimeout <= 0 {
		c.Browser.ActionTimeout = 10 * time.Second
	}
	if c.Engine.StallAfter <= 0 {
		c.Engine.StallAfter = 25 * time.Second
	}
	if c.Engine.MaxRows <= 0 {
		c.Engine.MaxRows = 100
	}
	if c.Engine.IdlePasses <= 0 {
		c.Engine.IdlePasses = 2
	}
	if c.Companies == nil {
		c.Companies = make(map[string]CompanyConfig)
	}
	norm := make(map[string]CompanyConfig, len(c.Companies))
	for k, cc := range c.Companies {
		if cc.WorkerTimeout <= 0 {
			cc.WorkerTimeout = 30 * time.Minute
		}
		norm[strings.ToUpper(strings.TrimSpace(k))] = cc
	}
	c.Companies = norm
	for i := range c.Sinks {
		if c.Sinks[i].Timeout <= 0 {
			c.Sinks[i].Timeout = 10 * time.Second
		}
		if c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
	if c.Dispatch.Addr == "" {
		c.Dispatch.Addr = ":8080"
	}
	if c.Dispatch.OutputRoot == "" {
		c.Dispatch.OutputRoot = "./downloads"
	}
	if len(c.Dispatch.Command) == 0 {
		c.Dispatch.Command = []string{"tenderwatch"}
	}
	if c.Dispatch.RunTimeout <= 0 {
		c.Dispatch.RunTimeout = 45 * time.Minute
	}
	if c.Dispatch.Bucket == "" {
		c.Dispatch.Bucket = "tenders"
	}
	if c.Dispatch.Model == "" {
		c.Dispatch.Model = "claude-sonnet-4-20250514"
	}
}
