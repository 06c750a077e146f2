package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return config.Default(), path, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info("Config loaded successfully", zap.String("path", path))

	if !cfg.Auth.IsProductionReady() {
		logger.Warn("JWT secret missing or too short, set it via the configured environment variable",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize system: %w", err)
	}

	// System starten
	if err := lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start system: %w", err)
	}

	logger.Info("OpenScopeCore started successfully")

	// Graceful Shutdown auf Signal oder per API
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.Done():
		logger.Info("OpenScopeCore stopped via API")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("OpenScopeCore stopped successfully")
	return nil
}
