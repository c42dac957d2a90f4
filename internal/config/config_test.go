package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, DefaultListen, cfg.GetProxy().Listen)
	assert.Len(t, cfg.GetBackends(), 1)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"proxy": {"listen": ":25577", "online_mode": true},
		"backends": [
			{"name": "hub", "address": "10.0.0.2:25565", "protocol_version": 763, "default": true},
			{"name": "pvp", "address": "10.0.0.3:25565", "protocol_version": 340, "virtual_hosts": ["pvp.example.net"]}
		]
	}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	proxy := cfg.GetProxy()
	assert.Equal(t, ":25577", proxy.Listen)
	assert.True(t, proxy.OnlineMode)
	assert.Equal(t, 500, proxy.MaxLinks, "missing fields keep their default")

	backends := cfg.GetBackends()
	require.Len(t, backends, 2)
	assert.Equal(t, "hub", backends[0].Name)
	assert.Equal(t, []string{"pvp.example.net"}, backends[1].VirtualHosts)

	// the re-saved file carries the defaults
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"retention_days": 30`)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"bad listen", func(c *Config) { c.Proxy.Listen = "nope" }, "proxy.listen"},
		{"listen port range", func(c *Config) { c.Proxy.Listen = ":70000" }, "proxy.listen"},
		{"no backends", func(c *Config) { c.Backends = nil }, "backends"},
		{"unknown version", func(c *Config) { c.Backends[0].ProtocolVersion = 12 }, "backends[0].protocol_version"},
		{"duplicate name", func(c *Config) {
			c.Backends = append(c.Backends, BackendConfig{Name: "lobby", Address: "127.0.0.1:25567", ProtocolVersion: 340})
		}, "backends[1].name"},
		{"duplicate vhost", func(c *Config) {
			c.Backends[0].VirtualHosts = []string{"a.example.net"}
			c.Backends = append(c.Backends, BackendConfig{Name: "b", Address: "127.0.0.1:25567", ProtocolVersion: 340,
				VirtualHosts: []string{"A.example.net"}})
		}, "backends[1].virtual_hosts"},
		{"no default", func(c *Config) { c.Backends[0].Default = false }, "backends"},
		{"handshake timeout", func(c *Config) { c.Proxy.HandshakeTimeoutSec = 0 }, "proxy.handshake_timeout_sec"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url"},
		{"prune time", func(c *Config) { c.Database.PruneTime = "25:00" }, "database.prune_time"},
		{"retention", func(c *Config) { c.Database.RetentionDays = 0 }, "database.retention_days"},
		{"check interval", func(c *Config) { c.Health.IntervalSec = 0 }, "health.interval_sec"},
		{"tls pair", func(c *Config) { c.API.TLSEnabled = true; c.API.TLSCertFile = "cert.pem" }, "api.tls_cert_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			result := Validate(cfg)
			assert.False(t, result.IsValid())
			assert.Contains(t, fields(result.Errors), tt.field)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Listen = "0.0.0.0:8080"
	cfg.Proxy.Listen = ":80"
	cfg.Backends = append(cfg.Backends, BackendConfig{Name: "b", Address: "127.0.0.1:25567", ProtocolVersion: 340, Default: true})

	result := Validate(cfg)
	require.True(t, result.IsValid(), "%v", result.Errors)
	assert.ElementsMatch(t, []string{"api.token", "proxy.listen", "backends"}, fields(result.Warnings))
}

func TestUpdateProxyField(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateProxyField("max_links", 12))
	assert.Equal(t, 12, cfg.GetProxy().MaxLinks)

	assert.Error(t, cfg.UpdateProxyField("nope", 1))
	assert.Error(t, cfg.UpdateProxyField("max_links", "many"))
	assert.Equal(t, 12, cfg.GetProxy().MaxLinks)
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	answers := strings.Join([]string{
		":25570", // listen
		"yes",    // online mode
		"",       // max links
		"hub",    // backend name
		"",       // backend address
		"763",    // version
		"no",     // api
		"",       // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	assert.Equal(t, ":25570", cfg.Proxy.Listen)
	assert.True(t, cfg.Proxy.OnlineMode)
	assert.Equal(t, 500, cfg.Proxy.MaxLinks)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, BackendConfig{Name: "hub", Address: "127.0.0.1:25566", ProtocolVersion: 763, Default: true}, cfg.Backends[0])
	assert.False(t, cfg.API.Enabled)
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestSetupWizardRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	answers := "\n\n\n\n\n99\nno\n\n"
	var out bytes.Buffer
	assert.Error(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))
	assert.Contains(t, out.String(), "protocol_version")
	assert.NoFileExists(t, cfg.Path())
}
