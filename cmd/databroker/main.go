package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/databroker/internal/broker"
	"github.com/adred-codev/databroker/internal/config"
	"github.com/adred-codev/databroker/internal/logging"
	"github.com/adred-codev/databroker/internal/storage"
)

func main() {
	// Bootstrap logger for the phase before configuration is parsed.
	bootLogger := logging.New("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Int("port", cfg.Port).
		Str("data_dir", cfg.DataDir).
		Msg("Starting data broker")

	adapters, err := storage.NewRegistry(storage.RegistryConfig{
		DataDir:           cfg.DataDir,
		BadgerDir:         cfg.BadgerDir,
		NATSURL:           cfg.NATSURL,
		NATSSubjectPrefix: cfg.NATSSubjectPrefix,
		PlatformAdapters:  cfg.PlatformAdapters,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build storage adapters")
	}

	server := broker.NewServer(cfg, adapters, logger)
	if err := server.Start(); err != nil {
		adapters.Close()
		logger.Fatal().Err(err).Msg("Failed to start broker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}

	if err := adapters.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing storage adapters")
	}
	logger.Info().Msg("Data broker stopped")
}
