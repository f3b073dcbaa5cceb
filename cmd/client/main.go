package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mephistofox/revtun/internal/client"
	"github.com/mephistofox/revtun/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	serverAddr string
	authToken  string
	tunnelSpec string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "revtun",
		Short: "revtun client - expose a local TCP service through a revtun server",
		Long: `revtun client dials a revtun server's control port, registers one or
more TCP tunnels, and forwards external connections to local services.

Example:
  revtun --server tunnel.example.com:7000 --token mytoken --tunnels 9000:8080:web`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address host:port")
	rootCmd.Flags().StringVarP(&authToken, "token", "t", "", "Authentication token")
	rootCmd.Flags().StringVar(&tunnelSpec, "tunnels", "", "Tunnels as remotePort:localPort:name[,...]")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("revtun client %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) (err error) {
	log := setupLogging(logLevel, logFormat)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("unexpected panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if serverAddr != "" {
		host, port, err := splitHostPort(serverAddr)
		if err != nil {
			return err
		}
		cfg.ServerHost = host
		cfg.ServerPort = port
	}
	if authToken != "" {
		cfg.AuthToken = authToken
	}
	if tunnelSpec != "" {
		tunnels, err := config.ParseTunnels(tunnelSpec)
		if err != nil {
			return fmt.Errorf("invalid --tunnels: %w", err)
		}
		cfg.Tunnels = tunnels
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		log = setupLogging(cfg.LogLevel, logFormat)
	}

	c := client.New(cfg, log)

	log.Info().
		Str("server", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)).
		Int("tunnels", len(cfg.Tunnels)).
		Msg("starting revtun client")

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		c.Close()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("client exited with error")
			return err
		}
	}

	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := splitLast(addr, ':')
	if err != nil {
		return "", 0, fmt.Errorf("invalid --server %q: expected host:port", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid --server %q: bad port", addr)
	}
	return host, port, nil
}

func splitLast(s string, sep byte) (string, string, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("separator not found")
}

func setupLogging(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log = zerolog.New(output).With().Timestamp().Logger()
	}

	return log
}
