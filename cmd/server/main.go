package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mephistofox/revtun/internal/config"
	"github.com/mephistofox/revtun/internal/server"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "revtun-server",
		Short: "revtun server - reverse TCP tunnel rendezvous",
		Long: `revtun server accepts tunnel clients on a control port and rendezvous
external TCP connections on the ports each client registers.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("revtun server %s (built %s)\n", Version, BuildTime)
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

	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting revtun server")

	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		log = setupLogging(cfg.LogLevel, logFormat)
	}

	allowedPorts, err := config.ParseAllowedPorts(cfg.AllowedPorts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse allowed_ports")
	}

	srv := server.New(server.Config{
		Host:              cfg.Host,
		ControlPort:       cfg.ControlPort,
		AuthTokens:        cfg.AuthTokens,
		AllowedPorts:      allowedPorts,
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeout) * time.Second,
		PingInterval:      time.Duration(cfg.PingInterval) * time.Second,
		PingTimeout:       time.Duration(cfg.PingTimeout) * time.Second,
		ClientDataHost:    cfg.ClientDataHost,
		AcceptRateGlobal:  cfg.AcceptRateGlobal,
		AcceptRatePerIP:   cfg.AcceptRatePerIP,
	}, log)

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	log.Info().
		Str("host", cfg.Host).
		Int("control_port", cfg.ControlPort).
		Bool("auth_enabled", len(cfg.AuthTokens) > 0).
		Msg("server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	srv.Stop()
	log.Info().Msg("server stopped")

	return nil
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
