package server

import "time"

// Config holds everything the Server needs to construct a Registry and
// run the control-channel listener. cmd/server builds it from
// internal/config's ServerConfig and hands it to New as a plain struct; the server package never reads
// environment variables itself.
type Config struct {
	Host               string
	ControlPort        int
	AuthTokens         []string
	AllowedPorts       PortAllowlist
	ConnectionTimeout  time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration
	ClientDataHost     string
	AcceptRateGlobal   int
	AcceptRatePerIP    int
}

// DefaultConfig returns the documented defaults for fields a caller
// leaves zero-valued.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		ControlPort:       7000,
		ConnectionTimeout: pendingConnectionTimeout,
		PingInterval:      30 * time.Second,
		PingTimeout:       60 * time.Second,
		ClientDataHost:    "localhost",
		AcceptRateGlobal:  50,
		AcceptRatePerIP:   10,
	}
}
