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

	router "github.com/kwitch/streaming/internal/adapters/http"
	"github.com/kwitch/streaming/internal/channels"
	"github.com/kwitch/streaming/internal/config"
	"github.com/kwitch/streaming/internal/media"
	"github.com/kwitch/streaming/internal/registry"
	"github.com/kwitch/streaming/internal/rooms"
	"github.com/kwitch/streaming/internal/signaling"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Constructed-once registries, passed by reference; no ambient lookup.
	reg := registry.New()
	tracker := rooms.NewTracker()
	forwarder := media.NewWebRTCForwarder(media.DefaultWebRTCConfig())
	manager := media.NewManager(forwarder, cfg.TransportCapacity)
	directory := channels.NewInMemoryDirectory()
	handler := signaling.NewHandler(reg, tracker, manager, directory)

	r := router.SetupRouter(ctx, cfg, handler)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("streaming server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
