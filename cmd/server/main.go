package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kidgate/internal/clock"
	"kidgate/internal/config"
	"kidgate/internal/database"
	"kidgate/internal/server"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	// Load .env file if it exists (ignore errors)
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := cfg.Logger()

	db, err := database.New(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	app, err := server.New(cfg, db, log, clock.Real())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}

	app.Scheduler.Start()
	defer app.Scheduler.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("driver", cfg.Database.Driver).
		Dur("offline_after", cfg.Liveness.OfflineAfter).
		Msg("Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}
