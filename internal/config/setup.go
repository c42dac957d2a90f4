package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the settings a first run needs and saves them.
// Empty answers keep the current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "── linkproxy setup ──")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Listener ──")
	cfg.Proxy.Listen = p.String("Player listen address", cfg.Proxy.Listen)
	cfg.Proxy.OnlineMode = p.Bool("Authenticate players at the proxy (online mode)", cfg.Proxy.OnlineMode)
	cfg.Proxy.MaxLinks = p.Int("Maximum concurrent links", cfg.Proxy.MaxLinks)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Default backend ──")
	backend := BackendConfig{Name: "lobby", Address: "127.0.0.1:25566", ProtocolVersion: 767, Default: true}
	for _, b := range cfg.Backends {
		if b.Default {
			backend = b
			break
		}
	}
	backend.Name = p.String("Backend name", backend.Name)
	backend.Address = p.String("Backend address", backend.Address)
	backend.ProtocolVersion = p.Int("Backend protocol version", backend.ProtocolVersion)
	backend.Default = true
	cfg.Backends = replaceDefault(cfg.Backends, backend)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Admin API ──")
	cfg.API.Enabled = p.Bool("Enable admin API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Listen = p.String("API listen address", cfg.API.Listen)
		cfg.API.Token = p.String("API token (blank for none)", cfg.API.Token)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.MQTT.Enabled = p.Bool("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = p.String("Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = p.Int("Broker port", cfg.MQTT.Port)
	}

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Configuration saved to %s\n", cfg.Path())
	return nil
}

func replaceDefault(backends []BackendConfig, def BackendConfig) []BackendConfig {
	out := make([]BackendConfig, 0, len(backends)+1)
	out = append(out, def)
	for _, b := range backends {
		if b.Default || b.Name == def.Name {
			continue
		}
		out = append(out, b)
	}
	return out
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) read() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p *prompter) String(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	input := p.read()
	if input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) Int(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) Bool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
