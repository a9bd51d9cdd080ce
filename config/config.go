// Package config provides configuration management for the VPN core.
// It handles loading, saving, and validating application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yllada/vpn-core/common"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Backend       BackendConfig      `yaml:"backend"`
	Selector      SelectorConfig     `yaml:"selector"`
	Monitor       MonitorConfig      `yaml:"monitor"`
	Tunnel        TunnelConfig       `yaml:"tunnel"`
	KillSwitch    KillSwitchConfig   `yaml:"killswitch"`
	SplitTunnel   SplitTunnelConfig  `yaml:"splittunnel"`
	Notifications NotificationConfig `yaml:"notifications"`
	API           APIConfig          `yaml:"api"`
	Log           LogConfig          `yaml:"log"`

	// StateDir holds caches, firewall backups, and history.
	// Empty means the config directory.
	StateDir string `yaml:"state_dir,omitempty"`
}

// BackendConfig describes the server-list / configuration backend.
type BackendConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Platform string        `yaml:"platform,omitempty"`
	Version  string        `yaml:"version,omitempty"`
}

// SelectorConfig tunes server probing and ranking.
type SelectorConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	PingCount         int           `yaml:"ping_count"`
	Priority          string        `yaml:"priority"`
	PreferredLocation string        `yaml:"preferred_location,omitempty"`
	Parallelism       int           `yaml:"parallelism"`
	GeoLookupURL      string        `yaml:"geo_lookup_url"`
	// GeoIPDatabase switches client location to an offline MaxMind lookup.
	GeoIPDatabase string `yaml:"geoip_database,omitempty"`
	PublicIPURL   string `yaml:"public_ip_url"`
}

// MonitorConfig tunes the connection health monitor.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	Targets        []string      `yaml:"targets"`
}

// TunnelConfig describes how the external tunnel binary is run.
type TunnelConfig struct {
	Binary           string        `yaml:"binary"`
	Args             []string      `yaml:"args,omitempty"`
	Interface        string        `yaml:"interface"`
	ConnectionType   string        `yaml:"connection_type"`
	SuccessMarker    string        `yaml:"success_marker"`
	Elevate          bool          `yaml:"elevate"`
	ElevationCommand string        `yaml:"elevation_command"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	TerminateGrace   time.Duration `yaml:"terminate_grace"`
	WorkDir          string        `yaml:"work_dir,omitempty"`
	// TestConfig is used when the backend cannot supply a configuration.
	TestConfig string `yaml:"test_config,omitempty"`
}

// KillSwitchConfig controls automatic kill switch activation.
type KillSwitchConfig struct {
	EnableOnConnect bool `yaml:"enable_on_connect"`
}

// SplitTunnelConfig controls automatic split tunneling activation.
type SplitTunnelConfig struct {
	EnableOnConnect bool `yaml:"enable_on_connect"`
	// Resolvers overrides the system DNS servers used for bypass domains.
	Resolvers []string `yaml:"resolvers,omitempty"`
}

// NotificationConfig toggles desktop notifications.
type NotificationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// APIConfig configures the local control socket.
type APIConfig struct {
	SocketPath string `yaml:"socket_path,omitempty"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
}

// Priority metrics accepted by the selector.
var validPriorities = []string{"auto", "ping", "load", "speed", "location"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "https://api.vpncore.example/v1",
			Timeout: common.BackendTimeout,
		},
		Selector: SelectorConfig{
			CacheTTL:     common.SelectionCacheTTL,
			PingCount:    common.PingCount,
			Priority:     "auto",
			Parallelism:  8,
			GeoLookupURL: "http://ip-api.com/json",
			PublicIPURL:  "https://api.ipify.org",
		},
		Monitor: MonitorConfig{
			Interval:       common.MonitorInterval,
			ReconnectDelay: common.ReconnectDelay,
			MaxRetries:     common.MaxReconnectAttempts,
			Targets:        []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
		Tunnel: TunnelConfig{
			Binary:           common.DefaultTunnelBinary,
			Interface:        common.DefaultInterface,
			ConnectionType:   common.DefaultConnectionType,
			SuccessMarker:    common.DefaultSuccessMarker,
			Elevate:          true,
			ElevationCommand: common.DefaultElevationCommand,
			ConnectTimeout:   common.ConnectionTimeout,
			TerminateGrace:   common.TerminateGracePeriod,
		},
		Notifications: NotificationConfig{Enabled: true},
		Log:           LogConfig{Level: "info", File: true},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults if absent.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies configuration values, replacing out-of-range ones
// with defaults where a safe fallback exists.
func (c *Config) validate() error {
	def := DefaultConfig()

	c.Selector.Priority = strings.ToLower(strings.TrimSpace(c.Selector.Priority))
	if !common.StringInSlice(c.Selector.Priority, validPriorities) {
		c.Selector.Priority = def.Selector.Priority
	}
	if c.Selector.CacheTTL <= 0 {
		c.Selector.CacheTTL = def.Selector.CacheTTL
	}
	if c.Selector.PingCount <= 0 {
		c.Selector.PingCount = def.Selector.PingCount
	}
	if c.Selector.Parallelism <= 0 {
		c.Selector.Parallelism = def.Selector.Parallelism
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = def.Monitor.Interval
	}
	if c.Monitor.ReconnectDelay < 0 {
		c.Monitor.ReconnectDelay = def.Monitor.ReconnectDelay
	}
	if c.Monitor.MaxRetries <= 0 {
		c.Monitor.MaxRetries = def.Monitor.MaxRetries
	}
	if len(c.Monitor.Targets) == 0 {
		c.Monitor.Targets = def.Monitor.Targets
	}

	if c.Tunnel.Binary == "" {
		return fmt.Errorf("tunnel.binary is required")
	}
	if c.Tunnel.Interface == "" {
		c.Tunnel.Interface = def.Tunnel.Interface
	}
	if c.Tunnel.SuccessMarker == "" {
		c.Tunnel.SuccessMarker = def.Tunnel.SuccessMarker
	}
	if c.Tunnel.ConnectTimeout <= 0 {
		c.Tunnel.ConnectTimeout = def.Tunnel.ConnectTimeout
	}
	if c.Tunnel.TerminateGrace <= 0 {
		c.Tunnel.TerminateGrace = def.Tunnel.TerminateGrace
	}
	if c.Tunnel.Elevate && c.Tunnel.ElevationCommand == "" {
		c.Tunnel.ElevationCommand = def.Tunnel.ElevationCommand
	}

	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = def.Backend.Timeout
	}
	return nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to configPath.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// ResolveStateDir returns the directory for persisted runtime state,
// creating it when needed.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		if err := common.EnsureDir(c.StateDir); err != nil {
			return "", err
		}
		return c.StateDir, nil
	}
	return common.GetConfigDir()
}

// ResolveWorkDir returns the directory tunnel configurations are written to.
func (c *Config) ResolveWorkDir() (string, error) {
	dir := c.Tunnel.WorkDir
	if dir == "" {
		stateDir, err := c.ResolveStateDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(stateDir, "configs")
	}
	if err := common.EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolveSocketPath returns the control socket location.
func (c *Config) ResolveSocketPath() (string, error) {
	if c.API.SocketPath != "" {
		return c.API.SocketPath, nil
	}
	stateDir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, common.SocketFileName), nil
}

// DefaultPath returns the default location of config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
