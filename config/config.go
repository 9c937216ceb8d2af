// Package config provides configuration management for tunnelctl.
// It handles loading, saving, and overlaying settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yllada/tunnelctl/cidr"
	"github.com/yllada/tunnelctl/common"
)

// Environment variables that override the file.
const (
	EnvBackend     = "TUNNELCTL_BACKEND"
	EnvSocket      = "TUNNELCTL_SOCKET"
	EnvServersFile = "TUNNELCTL_SERVERS_FILE"
	EnvDatabase    = "TUNNELCTL_DATABASE"
	EnvLogLevel    = "TUNNELCTL_LOG_LEVEL"
	EnvDNS         = "TUNNELCTL_DNS"
	EnvMultihop    = "TUNNELCTL_MULTIHOP"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// Backend selects the daemon transport: "localsocket", "dbus" or "fake".
	Backend string `yaml:"backend"`
	// SocketPath is the daemon socket. FallbackSocketPath is tried when it
	// does not exist.
	SocketPath         string `yaml:"socket_path"`
	FallbackSocketPath string `yaml:"fallback_socket_path"`
	// Multihop tells whether the daemon chains hops itself.
	Multihop bool `yaml:"multihop"`

	// ServersFile is the server directory. Relative paths resolve against
	// the config directory.
	ServersFile string `yaml:"servers_file"`
	// Database holds cooldowns and session history. Relative paths resolve
	// against the data directory.
	Database string `yaml:"database"`

	LogLevel  string `yaml:"log_level"`
	LogToFile bool   `yaml:"log_to_file"`
	// DesktopNotifications shows connection events on the session bus.
	DesktopNotifications bool `yaml:"desktop_notifications"`

	Tunnel   Tunnel   `yaml:"tunnel"`
	Device   Device   `yaml:"device"`
	Location Location `yaml:"location"`
	Health   Health   `yaml:"health"`
	Timings  Timings  `yaml:"timings"`
}

// Tunnel holds the user settings that shape every activation.
type Tunnel struct {
	DNSOverride            string   `yaml:"dns_override"`
	ExcludedIPv4           []string `yaml:"excluded_ipv4"`
	ExcludedIPv6           []string `yaml:"excluded_ipv6"`
	DisabledApps           []string `yaml:"disabled_apps"`
	SplitTunnel            bool     `yaml:"split_tunnel"`
	CaptivePortalAlert     bool     `yaml:"captive_portal_alert"`
	CaptivePortalAddresses []string `yaml:"captive_portal_addresses"`
	LocalNetworkAccess     bool     `yaml:"local_network_access"`
	AlwaysPort53           bool     `yaml:"always_port_53"`
}

// Device is the local WireGuard interface. The private key lives in the
// keyring, never in this file.
type Device struct {
	IPv4Address string `yaml:"ipv4_address"`
	IPv6Address string `yaml:"ipv6_address"`
}

// Location is the last selected exit and optional entry.
type Location struct {
	ExitCountry  string `yaml:"exit_country"`
	ExitCity     string `yaml:"exit_city"`
	EntryCountry string `yaml:"entry_country,omitempty"`
	EntryCity    string `yaml:"entry_city,omitempty"`
}

// Health configures the in-tunnel gateway monitor.
type Health struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	AutoSwitch       bool          `yaml:"auto_switch"`
}

// Timings override the controller's retry and timer defaults.
type Timings struct {
	MaxRetries       int           `yaml:"max_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConfirmingGrace  time.Duration `yaml:"confirming_grace"`
	ServerCooldown   time.Duration `yaml:"server_cooldown"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:              common.BackendLocalSocket,
		SocketPath:           common.DaemonSocketPath,
		FallbackSocketPath:   common.DaemonSocketFallback,
		ServersFile:          common.ServersFileName,
		Database:             common.DatabaseName,
		LogLevel:             "info",
		DesktopNotifications: true,
		Tunnel: Tunnel{
			CaptivePortalAlert: true,
			LocalNetworkAccess: true,
			CaptivePortalAddresses: []string{
				"34.107.221.82",
				"2600:1901:0:38d7::",
			},
		},
		Health: Health{
			Enabled:          true,
			Interval:         10 * time.Second,
			FailureThreshold: 3,
			AutoSwitch:       true,
		},
		Timings: Timings{
			MaxRetries:       common.MaxConnectionRetries,
			HandshakeTimeout: common.HandshakeTimeout,
			ConfirmingGrace:  common.ConfirmingGrace,
			ServerCooldown:   common.ServerCooldown,
		},
	}
}

// Load loads the configuration from the default config file and applies
// the environment overlay.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(filepath.Dir(configPath)); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFrom loads the configuration at path. A missing file is created
// with defaults.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", common.ErrConfigLoad, path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", common.ErrConfigLoad, path, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadEnv reads an optional .env file from dir, then applies TUNNELCTL_*
// variables. Variables already set in the process win over the file.
func (c *Config) LoadEnv(dir string) error {
	envPath := filepath.Join(dir, common.EnvFileName)
	if common.FileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("%w: reading %s: %w", common.ErrConfigLoad, envPath, err)
		}
	}
	c.applyEnv(os.LookupEnv)
	return c.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackend); ok {
		c.Backend = v
	}
	if v, ok := lookup(EnvSocket); ok {
		c.SocketPath = v
	}
	if v, ok := lookup(EnvServersFile); ok {
		c.ServersFile = v
	}
	if v, ok := lookup(EnvDatabase); ok {
		c.Database = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvDNS); ok {
		c.Tunnel.DNSOverride = v
	}
	if v, ok := lookup(EnvMultihop); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Multihop = b
		} else {
			common.LogWarn("Ignoring %s=%q: %v", EnvMultihop, v, err)
		}
	}
}

// validate verifies that configuration values are valid, falling back to
// defaults where a value cannot be used.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	validBackends := []string{common.BackendLocalSocket, common.BackendDBus, common.BackendFake}
	if !slices.Contains(validBackends, c.Backend) {
		common.LogWarn("Unknown backend %q, using %s", c.Backend, defaults.Backend)
		c.Backend = defaults.Backend
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		c.LogLevel = defaults.LogLevel
	}

	if c.SocketPath == "" {
		c.SocketPath = defaults.SocketPath
	}
	if c.ServersFile == "" {
		c.ServersFile = defaults.ServersFile
	}
	if c.Database == "" {
		c.Database = defaults.Database
	}

	c.Tunnel.ExcludedIPv4 = validRanges(c.Tunnel.ExcludedIPv4, false)
	c.Tunnel.ExcludedIPv6 = validRanges(c.Tunnel.ExcludedIPv6, true)
	c.Tunnel.DisabledApps = cleanList(c.Tunnel.DisabledApps)
	c.Tunnel.CaptivePortalAddresses = cleanList(c.Tunnel.CaptivePortalAddresses)

	if c.Tunnel.DNSOverride != "" {
		if _, err := cidr.Parse(c.Tunnel.DNSOverride); err != nil {
			return fmt.Errorf("dns_override %q: %w", c.Tunnel.DNSOverride, err)
		}
	}

	if c.Health.Interval <= 0 {
		c.Health.Interval = defaults.Health.Interval
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = defaults.Health.FailureThreshold
	}

	if c.Timings.MaxRetries <= 0 {
		c.Timings.MaxRetries = defaults.Timings.MaxRetries
	}
	if c.Timings.HandshakeTimeout <= 0 {
		c.Timings.HandshakeTimeout = defaults.Timings.HandshakeTimeout
	}
	if c.Timings.ConfirmingGrace <= 0 {
		c.Timings.ConfirmingGrace = defaults.Timings.ConfirmingGrace
	}
	if c.Timings.ServerCooldown <= 0 {
		c.Timings.ServerCooldown = defaults.Timings.ServerCooldown
	}
	return nil
}

func cleanList(items []string) []string {
	items = common.CleanList(items)
	if len(items) == 0 {
		return nil
	}
	return items
}

// validRanges drops entries that are not CIDR blocks of the wanted family.
func validRanges(items []string, v6 bool) []string {
	items = cleanList(items)
	var out []string
	for _, item := range items {
		b, err := cidr.Parse(item)
		if err != nil || b.Is6() != v6 {
			common.LogWarn("Ignoring excluded range %q", item)
			continue
		}
		out = append(out, item)
	}
	return out
}

// ResolvePath makes p absolute against the config directory.
func ResolvePath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to path.
func (c *Config) SaveTo(path string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serializing: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: writing %s: %w", common.ErrConfigSave, path, err)
	}
	return nil
}

func getConfigPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
