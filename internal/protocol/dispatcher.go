// Package protocol interprets inbound messages and drives the registry, hub
// and rate limiter. It owns the per-connection state record: no other
// component writes a session's tags, they only flow outward for routing.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/domain"
	"github.com/cmontans/gps-tracker-server/internal/metrics"
	"github.com/cmontans/gps-tracker-server/internal/ratelimit"
	"github.com/cmontans/gps-tracker-server/internal/registry"
)

// Hub is the broadcast engine as the dispatcher sees it.
type Hub interface {
	Join(group string, c domain.Conn) error
	Leave(group string, c domain.Conn)
	Broadcast(group string, payload []byte)
}

// Session is the mutable state of one connection. It starts with every tag
// unset; register and join fill the tags, and a closed connection retracts
// whatever the session contributed. There is no way back to unregistered.
type Session struct {
	Conn     domain.Conn
	UserID   string
	UserName string
	Group    string
	Role     domain.Role
}

type Dispatcher struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	hub      Hub
	clock    clockwork.Clock
}

func NewDispatcher(reg *registry.Registry, limiter *ratelimit.Limiter, hub Hub, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		limiter:  limiter,
		hub:      hub,
		clock:    clock,
	}
}

// NewSession creates the state record for a freshly opened connection.
func (d *Dispatcher) NewSession(conn domain.Conn) *Session {
	slog.Info("client connected", "conn_id", conn.ID())
	return &Session{Conn: conn}
}

// Handle processes one inbound message. Malformed payloads and unknown types
// are logged and ignored; they never terminate the connection.
func (d *Dispatcher) Handle(s *Session, data []byte) {
	var msg domain.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed message", "conn_id", s.Conn.ID(), "error", err)
		metrics.MessagesTotal.WithLabelValues("invalid", "malformed").Inc()
		return
	}

	switch msg.Type {
	case domain.TypeRegister:
		d.handleRegister(s, msg)
	case domain.TypeJoin:
		d.handleJoin(s, msg)
	case domain.TypeSpeed:
		d.handleSpeed(s, msg)
	case domain.TypeHorn:
		d.handleHorn(s)
	case domain.TypePing:
		d.reply(s, domain.PongMessage{Type: domain.TypePong})
		metrics.MessagesTotal.WithLabelValues(domain.TypePing, "ok").Inc()
	default:
		slog.Warn("unknown message type", "conn_id", s.Conn.ID(), "message_type", msg.Type)
		metrics.MessagesTotal.WithLabelValues("invalid", "unknown").Inc()
	}
}

// Disconnect retracts everything the session contributed: hub membership,
// the member record (participants only), and the horn cooldown entry. Runs
// synchronously when the read loop ends, before any further event for this
// connection could be processed.
func (d *Dispatcher) Disconnect(s *Session) {
	if s.Group != "" {
		d.hub.Leave(s.Group, s.Conn)
		if s.Role == domain.RoleParticipant {
			if d.registry.RemoveMember(s.Group, s.UserID) {
				d.broadcastRoster(s.Group)
			}
		}
	}
	if s.UserID != "" {
		d.limiter.Forget(s.UserID)
	}
	slog.Info("client disconnected", "conn_id", s.Conn.ID(), "user_id", s.UserID, "group", s.Group)
}

func (d *Dispatcher) handleRegister(s *Session, msg domain.Envelope) {
	if msg.Group == "" {
		slog.Warn("register without group", "conn_id", s.Conn.ID())
		metrics.MessagesTotal.WithLabelValues(domain.TypeRegister, "dropped").Inc()
		return
	}

	s.UserID = msg.UserID
	s.UserName = msg.UserName
	if s.UserName == "" {
		s.UserName = domain.DefaultUserName
	}
	s.Role = domain.RoleParticipant
	if !d.switchGroup(s, msg.Group) {
		metrics.MessagesTotal.WithLabelValues(domain.TypeRegister, "dropped").Inc()
		return
	}

	d.registry.UpsertMember(s.Group, domain.Member{
		UserID:   s.UserID,
		UserName: s.UserName,
	})
	slog.Info("client registered", "conn_id", s.Conn.ID(), "user_id", s.UserID, "user_name", s.UserName, "group", s.Group)
	metrics.MessagesTotal.WithLabelValues(domain.TypeRegister, "ok").Inc()
	d.broadcastRoster(s.Group)
}

func (d *Dispatcher) handleJoin(s *Session, msg domain.Envelope) {
	if msg.Group == "" {
		slog.Warn("join without group", "conn_id", s.Conn.ID())
		metrics.MessagesTotal.WithLabelValues(domain.TypeJoin, "dropped").Inc()
		return
	}

	s.Role = domain.RoleViewer
	if !d.switchGroup(s, msg.Group) {
		metrics.MessagesTotal.WithLabelValues(domain.TypeJoin, "dropped").Inc()
		return
	}

	// Viewers contribute no member record and do not create a registry
	// group; the roster they get for an unknown group is simply empty.
	slog.Info("viewer joined", "conn_id", s.Conn.ID(), "group", s.Group)
	metrics.MessagesTotal.WithLabelValues(domain.TypeJoin, "ok").Inc()
	d.broadcastRoster(s.Group)
}

func (d *Dispatcher) handleSpeed(s *Session, msg domain.Envelope) {
	group := msg.Group
	if group == "" {
		group = s.Group
	}
	if group == "" {
		slog.Warn("speed report without group", "conn_id", s.Conn.ID())
		metrics.MessagesTotal.WithLabelValues(domain.TypeSpeed, "dropped").Inc()
		return
	}

	// A speed report needs no prior register: it carries its own identity
	// and group context and tags the handle from the payload.
	if msg.UserID != "" {
		s.UserID = msg.UserID
	}
	if msg.UserName != "" {
		s.UserName = msg.UserName
	}
	s.Role = domain.RoleParticipant
	if !d.switchGroup(s, group) {
		metrics.MessagesTotal.WithLabelValues(domain.TypeSpeed, "dropped").Inc()
		return
	}

	d.registry.UpsertMember(s.Group, domain.Member{
		UserID:   s.UserID,
		UserName: s.UserName,
		Speed:    msg.Speed,
		MaxSpeed: msg.MaxSpeed,
		Lat:      msg.Lat,
		Lng:      msg.Lng,
		Bearing:  msg.Bearing,
	})
	metrics.MessagesTotal.WithLabelValues(domain.TypeSpeed, "ok").Inc()
	d.broadcastRoster(s.Group)
}

func (d *Dispatcher) handleHorn(s *Session) {
	if s.Group == "" || !d.registry.HasGroup(s.Group) {
		slog.Warn("horn for nonexistent group", "conn_id", s.Conn.ID(), "group", s.Group)
		metrics.HornsTotal.WithLabelValues("no_group").Inc()
		return
	}

	allowed, remaining := d.limiter.TryConsume(s.UserID)
	if !allowed {
		seconds := int(remaining.Seconds())
		slog.Info("horn rate limited", "conn_id", s.Conn.ID(), "user_id", s.UserID, "remaining_seconds", seconds)
		metrics.HornsTotal.WithLabelValues("rate_limited").Inc()
		d.reply(s, domain.ErrorMessage{
			Type:    domain.TypeError,
			Message: fmt.Sprintf("horn cooldown active, wait %ds", seconds),
		})
		return
	}

	payload, err := json.Marshal(domain.HornMessage{
		Type:      domain.TypeGroupHorn,
		UserID:    s.UserID,
		UserName:  s.UserName,
		GroupName: s.Group,
		Timestamp: d.clock.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("failed to marshal horn broadcast", "error", err)
		return
	}

	slog.Info("horn fired", "user_id", s.UserID, "group", s.Group)
	metrics.HornsTotal.WithLabelValues("fired").Inc()
	metrics.HubBroadcastsTotal.WithLabelValues("horn").Inc()
	d.hub.Broadcast(s.Group, payload)
}

// switchGroup moves the session's hub attachment to group, retracting any
// previous membership first. Returns false if the hub rejected the join.
func (d *Dispatcher) switchGroup(s *Session, group string) bool {
	if s.Group == group {
		return true
	}

	if s.Group != "" {
		d.hub.Leave(s.Group, s.Conn)
		if s.Role == domain.RoleParticipant && s.UserID != "" {
			if d.registry.RemoveMember(s.Group, s.UserID) {
				d.broadcastRoster(s.Group)
			}
		}
	}

	if err := d.hub.Join(group, s.Conn); err != nil {
		slog.Warn("hub rejected join", "conn_id", s.Conn.ID(), "group", group, "error", err)
		s.Group = ""
		return false
	}
	s.Group = group
	return true
}

func (d *Dispatcher) broadcastRoster(group string) {
	payload, err := domain.NewRosterPayload(d.registry.Snapshot(group))
	if err != nil {
		slog.Error("failed to marshal roster broadcast", "group", group, "error", err)
		return
	}
	metrics.HubBroadcastsTotal.WithLabelValues("roster").Inc()
	d.hub.Broadcast(group, payload)
}

func (d *Dispatcher) reply(s *Session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal reply", "error", err)
		return
	}
	if err := s.Conn.Send(data); err != nil {
		slog.Warn("failed to send reply", "conn_id", s.Conn.ID(), "error", err)
	}
}
