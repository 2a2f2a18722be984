package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/constellation/internal/adapters/http"
	"github.com/dkeye/constellation/internal/adapters/presence"
	"github.com/dkeye/constellation/internal/app"
	"github.com/dkeye/constellation/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	bus := presence.NewLocal(ctx)
	defer bus.Close()

	lobby, err := app.NewLobby(ctx, bus, app.LobbyConfig{
		DefaultMaxPlayers: cfg.Game.DefaultMaxPlayers,
		MaxTeams:          cfg.Game.MaxTeams,
		AutoDispose:       cfg.Game.AutoDispose,
		IdleGrace:         cfg.Game.IdleGrace,
		JoinTimeout:       cfg.Game.JoinTimeout,
		RefreshInterval:   cfg.Directory.RefreshInterval,
		RefreshDelay:      cfg.Directory.CreateRefreshDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start lobby")
	}

	r := router.SetupRouter(ctx, cfg, lobby)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Constellation server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	lobby.Registry.CancelAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
