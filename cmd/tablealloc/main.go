package main

import (
	"fmt"
	"os"
	"time"

	"tablealloc/internal/config"
	"tablealloc/internal/store"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tablealloc",
		Short:         "Reservation-to-table allocation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("TABLEALLOC_CONFIG_PATH", "configs/config.yaml"), "path to config.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSyncCmd(&configPath))
	root.AddCommand(newCheckCmd(&configPath))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// bootstrap loads config and opens the database shared by every command.
func bootstrap(configPath string) (*config.Config, *store.DB, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Logging.Level)

	db, err := store.Open(cfg.Database.Path, &logger)
	if err != nil {
		return nil, nil, logger, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, logger, nil
}
