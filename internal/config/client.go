package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig holds all client configuration, loaded from environment
// variables (and optionally an override file) by LoadClientConfig.
type ClientConfig struct {
	ServerHost        string         `mapstructure:"server_host"`
	ServerPort        int            `mapstructure:"server_port"`
	AuthToken         string         `mapstructure:"auth_token"`
	Tunnels           []TunnelConfig `mapstructure:"-"`
	TunnelsRaw        string         `mapstructure:"tunnels"`
	ReconnectAttempts int            `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration  `mapstructure:"-"`
	ReconnectDelayRaw int            `mapstructure:"reconnect_delay"`
	LogLevel          string         `mapstructure:"log_level"`
}

// TunnelConfig defines a single requested tunnel.
type TunnelConfig struct {
	Name       string
	RemotePort int
	LocalPort  int
}

// LoadClientConfig loads client configuration from environment variables,
// optionally layered over a YAML/JSON file at configPath for local
// development defaults. The result is not validated, so that command-line
// overrides can be applied first; call Validate afterwards.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_port", 7000)
	v.SetDefault("auth_token", "")
	v.SetDefault("tunnels", "")
	v.SetDefault("reconnect_attempts", 0) // 0 = infinite
	v.SetDefault("reconnect_delay", 5)    // seconds
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, key := range []string{
		"server_host", "server_port", "auth_token", "tunnels",
		"reconnect_attempts", "reconnect_delay", "log_level",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.TunnelsRaw = v.GetString("tunnels")
	cfg.ReconnectDelayRaw = v.GetInt("reconnect_delay")
	cfg.ReconnectDelay = time.Duration(cfg.ReconnectDelayRaw) * time.Second

	tunnels, err := ParseTunnels(cfg.TunnelsRaw)
	if err != nil {
		return nil, fmt.Errorf("parse tunnels: %w", err)
	}
	cfg.Tunnels = tunnels

	return &cfg, nil
}

// ParseTunnels parses the TUNNELS syntax: a comma-separated list of
// "remotePort:localPort:name" triples.
func ParseTunnels(spec string) ([]TunnelConfig, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var tunnels []TunnelConfig
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid tunnel spec %q: expected remotePort:localPort:name", part)
		}
		remotePort, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid tunnel spec %q: %w", part, err)
		}
		localPort, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid tunnel spec %q: %w", part, err)
		}
		name := strings.TrimSpace(fields[2])
		if name == "" {
			return nil, fmt.Errorf("invalid tunnel spec %q: name is required", part)
		}
		tunnels = append(tunnels, TunnelConfig{Name: name, RemotePort: remotePort, LocalPort: localPort})
	}
	return tunnels, nil
}

// Validate checks the configuration for internally consistent values.
func (c *ClientConfig) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("server_host is required")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel must be configured")
	}
	seen := make(map[string]bool, len(c.Tunnels))
	for i, t := range c.Tunnels {
		if t.LocalPort < 1 || t.LocalPort > 65535 {
			return fmt.Errorf("tunnel[%d] %q: invalid local port: %d", i, t.Name, t.LocalPort)
		}
		if t.RemotePort < 1 || t.RemotePort > 65535 {
			return fmt.Errorf("tunnel[%d] %q: invalid remote port: %d", i, t.Name, t.RemotePort)
		}
		if seen[t.Name] {
			return fmt.Errorf("tunnel[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	if c.ReconnectDelayRaw < 1 {
		return fmt.Errorf("reconnect_delay must be at least 1 second")
	}
	return nil
}

// LocalAddress returns the loopback address to dial for this tunnel's
// local service.
func (t *TunnelConfig) LocalAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", t.LocalPort)
}
