package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateProxy(&cfg.Proxy, result)
	validateBackends(cfg.Backends, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateDatabase(&cfg.Database, result)
	validateHealth(&cfg.Health, result)

	return result
}

func validateProxy(p *ProxyConfig, result *ValidationResult) {
	validateAddress(p.Listen, "proxy.listen", result)

	if p.MaxLinks < 0 {
		result.AddError("proxy.max_links", "must not be negative")
	}
	if p.MaxLinks == 0 {
		result.AddWarning("proxy.max_links", "link count is unlimited")
	}
	if p.MaxConnPerSec < 0 {
		result.AddWarning("proxy.max_conn_per_sec", "per-IP connection rate limit is disabled")
	}
	if p.HandshakeTimeoutSec < 1 {
		result.AddError("proxy.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}
	if p.DialTimeoutSec < 1 {
		result.AddError("proxy.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
}

func validateBackends(backends []BackendConfig, result *ValidationResult) {
	if len(backends) == 0 {
		result.AddError("backends", "at least one backend is required")
		return
	}

	names := make(map[string]bool)
	hosts := make(map[string]string)
	defaults := 0
	for i, b := range backends {
		field := fmt.Sprintf("backends[%d]", i)

		if strings.TrimSpace(b.Name) == "" {
			result.AddError(field+".name", "backend name is required")
		} else if names[b.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		names[b.Name] = true

		validateAddress(b.Address, field+".address", result)

		if !protocol.Version(b.ProtocolVersion).IsSupported() {
			result.AddError(field+".protocol_version",
				fmt.Sprintf("unsupported protocol version %d (supported: %v)", b.ProtocolVersion, protocol.Versions()))
		}

		if b.Default {
			defaults++
		}
		for _, vh := range b.VirtualHosts {
			key := strings.ToLower(vh)
			if other, ok := hosts[key]; ok {
				result.AddError(field+".virtual_hosts",
					fmt.Sprintf("virtual host %q is already routed to %s", vh, other))
			}
			hosts[key] = b.Name
		}
	}

	switch {
	case defaults == 0:
		result.AddError("backends", "no default backend; players without a matching virtual host cannot be routed")
	case defaults > 1:
		result.AddWarning("backends", "several default backends; the first one is used")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validateAddress(a.Listen, "api.listen", result)

	if a.TLSEnabled && (a.TLSCertFile == "") != (a.TLSKeyFile == "") {
		result.AddError("api.tls_cert_file", "certificate and key files must be set together")
	}
	if a.Token == "" {
		host, _, _ := net.SplitHostPort(a.Listen)
		if ip := net.ParseIP(host); host == "" || ip == nil || !ip.IsLoopback() {
			result.AddWarning("api.token", "API token is empty and the API is reachable from other hosts")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	validatePort(m.Port, "mqtt.port", result)
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required when enabled")
	}
	if d.RetentionDays < 1 {
		result.AddError("database.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", d.PruneTime); err != nil {
		result.AddError("database.prune_time", fmt.Sprintf("invalid time %q (expected HH:MM)", d.PruneTime))
	}
}

func validateHealth(h *HealthConfig, result *ValidationResult) {
	if !h.Enabled {
		return
	}
	if h.IntervalSec < 1 {
		result.AddError("health.interval_sec", "check interval must be at least 1 second")
	}
	if h.TimeoutSec < 1 {
		result.AddError("health.timeout_sec", "check timeout must be at least 1 second")
	} else if h.IntervalSec >= 1 && h.TimeoutSec >= h.IntervalSec {
		result.AddWarning("health.timeout_sec", "check timeout is not shorter than the interval")
	}
}

func validateAddress(addr, field string, result *ValidationResult) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", portStr))
		return
	}
	validatePort(port, field, result)
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
