package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Listing and status endpoints
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/groups", s.handleListGroups)
	s.echo.GET("/api/groups/:name", s.handleGetGroup)

	// WebSocket endpoint
	s.echo.GET("/ws", s.handleWebSocket)
}
