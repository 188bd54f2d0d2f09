// Package server exposes the WebSocket endpoint and the thin HTTP surface
// around the tracker core: health, aggregate status, and group listings.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cmontans/gps-tracker-server/internal/hub"
	"github.com/cmontans/gps-tracker-server/internal/platform/config"
	"github.com/cmontans/gps-tracker-server/internal/protocol"
	"github.com/cmontans/gps-tracker-server/internal/registry"
)

type Server struct {
	echo       *echo.Echo
	config     *config.Config
	registry   *registry.Registry
	hub        *hub.Hub
	dispatcher *protocol.Dispatcher
	limits     *ConnectionLimits
	clock      clockwork.Clock
	startTime  time.Time
}

func NewServer(cfg *config.Config, reg *registry.Registry, h *hub.Hub, dispatcher *protocol.Dispatcher, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:       e,
		config:     cfg,
		registry:   reg,
		hub:        h,
		dispatcher: dispatcher,
		limits:     NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionsPerSec, cfg.ConnectionBurst),
		clock:      clock,
		startTime:  clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Server starting", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
