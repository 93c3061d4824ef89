package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	marketplace "github.com/bjoelf/marketplace-adapter/adapter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "mpclient",
	Short: "Marketplace session and realtime client",
	Long: "Command-line client for the marketplace API.\n" +
		"Logs in, issues authenticated requests with shared token refresh, and follows chat and notification channels.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.mpclient/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")
}

// app is what every command needs: config, logger and the session core
type app struct {
	cfg    marketplace.Config
	path   string
	logger zerolog.Logger
	client *marketplace.Client
}

func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".mpclient", "config.toml"), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func loadApp() (*app, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := marketplace.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	logger := newLogger(cfg.LogLevel)
	client, err := marketplace.NewClient(cfg, marketplace.ClientOptions{
		OnSessionEnded: func(cause error) {
			logger.Warn().Err(cause).Msg("session ended; run `mpclient login` again")
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, path: path, logger: logger, client: client}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
