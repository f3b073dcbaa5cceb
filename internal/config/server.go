package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/mephistofox/revtun/internal/server"
)

// ServerConfig holds the Server's configuration, loaded from environment
// variables (and optionally an override file) by LoadServerConfig.
type ServerConfig struct {
	Host              string   `mapstructure:"host"`
	ControlPort       int      `mapstructure:"control_port"`
	AuthTokens        []string `mapstructure:"auth_tokens"`
	AllowedPorts      string   `mapstructure:"allowed_ports"`
	ConnectionTimeout int      `mapstructure:"connection_timeout"`
	PingInterval      int      `mapstructure:"ping_interval"`
	PingTimeout       int      `mapstructure:"ping_timeout"`
	ClientDataHost    string   `mapstructure:"client_data_host"`
	AcceptRateGlobal  int      `mapstructure:"accept_rate_global"`
	AcceptRatePerIP   int      `mapstructure:"accept_rate_per_ip"`
	LogLevel          string   `mapstructure:"log_level"`
}

// LoadServerConfig builds a ServerConfig from environment variables,
// optionally layered over a YAML/JSON file at configPath for local
// development defaults.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("control_port", 7000)
	v.SetDefault("auth_tokens", "")
	v.SetDefault("allowed_ports", "")
	v.SetDefault("connection_timeout", 10)
	v.SetDefault("ping_interval", 30)
	v.SetDefault("ping_timeout", 60)
	v.SetDefault("client_data_host", "localhost")
	v.SetDefault("accept_rate_global", 50)
	v.SetDefault("accept_rate_per_ip", 10)
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, key := range []string{
		"host", "control_port", "auth_tokens", "allowed_ports",
		"connection_timeout", "ping_interval", "ping_timeout",
		"client_data_host", "accept_rate_global", "accept_rate_per_ip", "log_level",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// AUTH_TOKENS arrives as a single comma-separated env string; viper's
	// automatic env binding hands it to Unmarshal as a one-element slice,
	// so split it out explicitly.
	cfg.AuthTokens = splitCSV(v.GetString("auth_tokens"))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *ServerConfig) Validate() error {
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control_port: %d", c.ControlPort)
	}
	if c.ConnectionTimeout < 1 {
		return fmt.Errorf("invalid connection_timeout: %d", c.ConnectionTimeout)
	}
	if c.PingInterval < 1 {
		return fmt.Errorf("invalid ping_interval: %d", c.PingInterval)
	}
	if c.PingTimeout <= c.PingInterval {
		return fmt.Errorf("ping_timeout (%d) must be greater than ping_interval (%d)", c.PingTimeout, c.PingInterval)
	}
	if _, err := ParseAllowedPorts(c.AllowedPorts); err != nil {
		return fmt.Errorf("invalid allowed_ports: %w", err)
	}
	if c.AcceptRateGlobal < 1 {
		return fmt.Errorf("invalid accept_rate_global: %d", c.AcceptRateGlobal)
	}
	if c.AcceptRatePerIP < 1 {
		return fmt.Errorf("invalid accept_rate_per_ip: %d", c.AcceptRatePerIP)
	}
	return nil
}

// ParseAllowedPorts parses the ALLOWED_PORTS syntax: a comma-separated
// list of singleton ports ("9000") and inclusive ranges ("9100-9200").
// An empty string allows any port.
func ParseAllowedPorts(spec string) (server.PortAllowlist, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return server.NewPortAllowlist(), nil
	}

	var ranges []server.PortRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.Index(part, "-"); dash >= 0 {
			minStr, maxStr := part[:dash], part[dash+1:]
			min, err := strconv.Atoi(strings.TrimSpace(minStr))
			if err != nil {
				return server.PortAllowlist{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
			max, err := strconv.Atoi(strings.TrimSpace(maxStr))
			if err != nil {
				return server.PortAllowlist{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
			if min > max {
				return server.PortAllowlist{}, fmt.Errorf("invalid range %q: min greater than max", part)
			}
			ranges = append(ranges, server.PortRange{Min: min, Max: max})
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil {
			return server.PortAllowlist{}, fmt.Errorf("invalid port %q: %w", part, err)
		}
		ranges = append(ranges, server.PortRange{Min: port, Max: port})
	}
	return server.NewPortAllowlist(ranges...), nil
}

func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
