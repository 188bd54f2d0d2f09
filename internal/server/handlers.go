package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/cmontans/gps-tracker-server/internal/domain"
	"github.com/cmontans/gps-tracker-server/internal/metrics"
)

const maxMessageSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // mobile clients connect from app webviews, no fixed origin
	},
}

// --- WebSocket handler ---

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("connection rejected", "ip", ip, "reason", reason)
		if reason == LimitReasonRate {
			return c.String(http.StatusTooManyRequests, "too many connection attempts")
		}
		return c.String(http.StatusServiceUnavailable, "connection limit reached")
	}
	defer s.limits.Release(ip)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("websocket upgrade failed", "ip", ip, "error", err)
		return nil
	}
	ws.SetReadLimit(maxMessageSize)

	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	metrics.WebSocketConnectionsCurrent.Inc()
	defer metrics.WebSocketConnectionsCurrent.Dec()

	conn := s.hub.NewConn(ws)
	session := s.dispatcher.NewSession(conn)

	// Read pump. Blocks until the client goes away; membership retraction
	// runs synchronously before the handler returns.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("read error", "conn_id", conn.ID(), "error", err)
			}
			break
		}
		s.dispatcher.Handle(session, data)
	}

	s.dispatcher.Disconnect(session)
	conn.Close()
	return nil
}

// --- Status and listing handlers ---

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	groups, members := s.registry.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"groups":    groups,
		"users":     members,
		"timestamp": s.clock.Now().Format(time.RFC3339),
	})
}

type groupListing struct {
	Name        string          `json:"name"`
	MemberCount int             `json:"memberCount"`
	Users       []domain.Member `json:"users"`
}

func (s *Server) handleListGroups(c echo.Context) error {
	names := s.registry.GroupNames()
	listings := make([]groupListing, 0, len(names))
	for _, name := range names {
		members := s.registry.Snapshot(name)
		if len(members) == 0 {
			// Emptied between listing and snapshot; already gone.
			continue
		}
		listings = append(listings, groupListing{
			Name:        name,
			MemberCount: len(members),
			Users:       members,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"groups": listings})
}

func (s *Server) handleGetGroup(c echo.Context) error {
	name := c.Param("name")
	if !s.registry.HasGroup(name) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "group not found"})
	}
	members := s.registry.Snapshot(name)
	return c.JSON(http.StatusOK, groupListing{
		Name:        name,
		MemberCount: len(members),
		Users:       members,
	})
}
