// Package config handles configuration loading, validation, and persistence
// for the link proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "linkproxy.json"
	DefaultListen     = ":25565"
	DefaultAPIListen  = "127.0.0.1:8080"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Proxy    ProxyConfig     `json:"proxy"`
	Backends []BackendConfig `json:"backends"`
	API      APIConfig       `json:"api"`
	MQTT     MQTTConfig      `json:"mqtt"`
	Database DatabaseConfig  `json:"database"`
	Health   HealthConfig    `json:"health"`
	Logging  LoggingConfig   `json:"logging"`
}

// ProxyConfig holds the player-facing listener settings.
type ProxyConfig struct {
	Listen string `json:"listen"`
	// OnlineMode terminates the login key exchange at the proxy.
	OnlineMode          bool `json:"online_mode"`
	MaxLinks            int  `json:"max_links"`
	MaxConnPerSec       int  `json:"max_conn_per_sec"`
	HandshakeTimeoutSec int  `json:"handshake_timeout_sec"`
	DialTimeoutSec      int  `json:"dial_timeout_sec"`
}

// HandshakeTimeout returns the handshake timeout as a duration.
func (p ProxyConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutSec) * time.Second
}

// DialTimeout returns the backend dial timeout as a duration.
func (p ProxyConfig) DialTimeout() time.Duration {
	return time.Duration(p.DialTimeoutSec) * time.Second
}

// BackendConfig describes one backend server.
type BackendConfig struct {
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	ProtocolVersion int      `json:"protocol_version"`
	Default         bool     `json:"default"`
	VirtualHosts    []string `json:"virtual_hosts,omitempty"`
}

// APIConfig holds the admin API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	MetricsEnabled bool     `json:"metrics_enabled"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds link history settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	PruneTime     string `json:"prune_time"`
}

// HealthConfig holds backend health check settings.
type HealthConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
	TimeoutSec  int  `json:"timeout_sec"`
	// DiskPath is the mount watched for free space.
	DiskPath string `json:"disk_path"`
}

// Interval returns the check interval as a duration.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSec) * time.Second
}

// Timeout returns the check timeout as a duration.
func (h HealthConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:              DefaultListen,
			MaxLinks:            500,
			MaxConnPerSec:       10,
			HandshakeTimeoutSec: 5,
			DialTimeoutSec:      5,
		},
		Backends: []BackendConfig{
			{Name: "lobby", Address: "127.0.0.1:25566", ProtocolVersion: 767, Default: true},
		},
		API: APIConfig{
			Enabled:        true,
			Listen:         DefaultAPIListen,
			RateLimitRPS:   100,
			MetricsEnabled: true,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "linkproxy",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/linkproxy.db",
			RetentionDays: 30,
			PruneTime:     "04:00",
		},
		Health: HealthConfig{
			Enabled:     true,
			IntervalSec: 30,
			TimeoutSec:  3,
			DiskPath:    ".",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file, creating a default one when
// none exists.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	// an explicit backend list replaces the default one
	cfg.Backends = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save to persist default fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetProxy returns a copy of the proxy section.
func (c *Config) GetProxy() ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Proxy
}

// SetProxy replaces the proxy section.
func (c *Config) SetProxy(p ProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Proxy = p
}

// GetBackends returns a copy of the backend list.
func (c *Config) GetBackends() []BackendConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BackendConfig, len(c.Backends))
	copy(out, c.Backends)
	return out
}

// SetBackends replaces the backend list.
func (c *Config) SetBackends(backends []BackendConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Backends = backends
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database section.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetHealth returns a copy of the health section.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateProxyField updates a single proxy field by its JSON name.
func (c *Config) UpdateProxyField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Proxy)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown proxy field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var proxy ProxyConfig
	if err := json.Unmarshal(updated, &proxy); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Proxy = proxy
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}
