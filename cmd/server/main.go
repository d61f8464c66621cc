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

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	router "github.com/dkeye/voicemesh/internal/adapters/http"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/app/rooms"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/metrics"
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
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	store := docstore.NewMemory()
	roomCtl := rooms.NewController(store, rooms.WithTTL(cfg.RoomTTL))
	reg := app.NewRegistry()

	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    roomCtl,
		Store:    store,
		Policy:   app.SimplePolicy{},
		Metrics:  metrics.New(),
	}

	if cfg.SweepPeriod > 0 {
		go roomCtl.RunSweeper(ctx, cfg.SweepPeriod)
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("store server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("module", "main").Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server forced to shutdown")
	}
	reg.CancelAll()
	log.Info().Str("module", "main").Msg("server exited gracefully")
}
