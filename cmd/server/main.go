package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/hub"
	"github.com/cmontans/gps-tracker-server/internal/platform/config"
	"github.com/cmontans/gps-tracker-server/internal/platform/logging"
	"github.com/cmontans/gps-tracker-server/internal/protocol"
	"github.com/cmontans/gps-tracker-server/internal/ratelimit"
	"github.com/cmontans/gps-tracker-server/internal/registry"
	"github.com/cmontans/gps-tracker-server/internal/server"
	"github.com/cmontans/gps-tracker-server/internal/sweeper"
)

func runGracefulShutdown(srv *server.Server, h *hub.Hub, cancelSweep context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelSweep()
		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	reg := registry.New(clock)
	limiter := ratelimit.New(clock, cfg.HornCooldown)
	h := hub.New(clock, cfg.MaxClientsPerGroup)
	dispatcher := protocol.NewDispatcher(reg, limiter, h, clock)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sw := sweeper.New(reg, h, limiter, clock, cfg.SweepInterval, cfg.StaleThreshold)
	go sw.Run(sweepCtx)

	srv := server.NewServer(cfg, reg, h, dispatcher, clock)

	done := runGracefulShutdown(srv, h, cancelSweep)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
