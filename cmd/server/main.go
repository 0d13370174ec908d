// Warden control plane: governed remediation for container and VM fleets.
//
// This is the main entry point for the control-plane server. It provides:
//   - Policy evaluation across mock, integration and lab modes
//   - The skill execution approval workflow
//   - A tamper-evident audit chain with scheduled export
//   - The worker task queue for site workers
//   - The detect, plan and execute control loop

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wardenhq/warden/control-plane/internal/config"
	"github.com/wardenhq/warden/control-plane/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.Log)

	log.Info().Str("version", cfg.Version).Str("mode", cfg.Mode).Msg("🛡️  Warden control plane starting...")

	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start background services")
	}

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // synchronous execute waits on adapters
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("✅ Warden is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
