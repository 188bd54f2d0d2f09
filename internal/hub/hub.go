package hub

import (
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/domain"
	"github.com/cmontans/gps-tracker-server/internal/metrics"
)

type groupConns map[domain.Conn]struct{}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type joinCmd struct {
	baseHubCmd
	group        string
	conn         domain.Conn
	errorChannel chan error
}

type leaveCmd struct {
	baseHubCmd
	group string
	conn  domain.Conn
}

type broadcastCmd struct {
	baseHubCmd
	group string
	data  []byte
}

type clientCountCmd struct {
	baseHubCmd
	group        string
	replyChannel chan int
}

type statsCmd struct {
	baseHubCmd
	replyChannel chan [2]int
}

type stopCmd struct {
	baseHubCmd
}

// Hub routes broadcasts to every open connection tagged with a group.
// It knows nothing about member records; the registry owns those.
type Hub struct {
	cmdCh              chan hubCmd
	clock              clockwork.Clock
	groups             map[string]groupConns
	maxClientsPerGroup int
	done               chan struct{}
}

func New(clock clockwork.Clock, maxClientsPerGroup int) *Hub {
	h := &Hub{
		cmdCh:              make(chan hubCmd, 256),
		clock:              clock,
		groups:             make(map[string]groupConns),
		maxClientsPerGroup: maxClientsPerGroup,
		done:               make(chan struct{}),
	}
	go h.run()
	return h
}

// NewConn wraps an upgraded WebSocket connection and starts its write pump.
// The connection can receive private replies immediately, before it has
// joined any group.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	return newConn(ws, h.clock)
}

// Join attaches a connection to a group. Returns an error only if the group
// is at its connection cap.
func (h *Hub) Join(group string, c domain.Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- joinCmd{group: group, conn: c, errorChannel: errCh}
	return <-errCh
}

// Leave detaches a connection from a group. Unknown pairs are a no-op.
func (h *Hub) Leave(group string, c domain.Conn) {
	h.cmdCh <- leaveCmd{group: group, conn: c}
}

// Broadcast delivers one pre-serialized payload to every connection in the
// group, participants and viewers alike. Slow or closed connections are
// skipped; the payload is never split across frames per recipient.
func (h *Hub) Broadcast(group string, payload []byte) {
	h.cmdCh <- broadcastCmd{group: group, data: payload}
}

// ClientCount returns the number of connections attached to a group.
func (h *Hub) ClientCount(group string) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- clientCountCmd{group: group, replyChannel: replyCh}
	return <-replyCh
}

// Stats returns the current group and connection totals.
func (h *Hub) Stats() (groups, clients int) {
	replyCh := make(chan [2]int, 1)
	h.cmdCh <- statsCmd{replyChannel: replyCh}
	reply := <-replyCh
	return reply[0], reply[1]
}

// Stop shuts the hub down, closing every attached connection with a close
// frame. Blocks until the actor goroutine has exited.
func (h *Hub) Stop() {
	select {
	case h.cmdCh <- stopCmd{}:
	case <-h.done:
		return
	}
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case joinCmd:
			h.handleJoin(c)
		case leaveCmd:
			h.handleLeave(c)
		case broadcastCmd:
			h.handleBroadcast(c)
		case clientCountCmd:
			c.replyChannel <- len(h.groups[c.group])
		case statsCmd:
			clients := 0
			for _, conns := range h.groups {
				clients += len(conns)
			}
			c.replyChannel <- [2]int{len(h.groups), clients}
		case stopCmd:
			h.handleStop()
			return
		default:
			slog.Warn("hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleJoin(c joinCmd) {
	conns, exists := h.groups[c.group]
	if !exists {
		conns = make(groupConns)
		h.groups[c.group] = conns
	}

	if h.maxClientsPerGroup > 0 && len(conns) >= h.maxClientsPerGroup {
		slog.Warn("rejecting client: group at connection cap", "group", c.group, "max_clients", h.maxClientsPerGroup)
		c.conn.Close()
		c.errorChannel <- fmt.Errorf("max clients per group (%d) reached", h.maxClientsPerGroup)
		return
	}

	conns[c.conn] = struct{}{}
	metrics.HubActiveGroups.Set(float64(len(h.groups)))
	metrics.HubConnectedClients.Inc()
	slog.Debug("client joined group", "group", c.group, "conn_id", c.conn.ID(), "total_clients", len(conns))
	c.errorChannel <- nil
}

func (h *Hub) handleLeave(c leaveCmd) {
	conns, exists := h.groups[c.group]
	if !exists {
		return
	}
	if _, ok := conns[c.conn]; !ok {
		return
	}

	delete(conns, c.conn)
	metrics.HubConnectedClients.Dec()

	if len(conns) == 0 {
		delete(h.groups, c.group)
		metrics.HubActiveGroups.Set(float64(len(h.groups)))
		slog.Debug("last client left group", "group", c.group)
	} else {
		slog.Debug("client left group", "group", c.group, "remaining_clients", len(conns))
	}
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	conns, exists := h.groups[c.group]
	if !exists {
		return
	}

	for conn := range conns {
		if err := conn.Send(c.data); err != nil {
			metrics.HubSlowSendsSkipped.Inc()
			slog.Warn("skipping delivery to slow client", "group", c.group, "conn_id", conn.ID())
		}
	}
}

func (h *Hub) handleStop() {
	total := 0
	for group, conns := range h.groups {
		for conn := range conns {
			if hc, ok := conn.(*Conn); ok {
				hc.stopGraceful("server shutting down")
			} else {
				conn.Close()
			}
			total++
		}
		delete(h.groups, group)
	}
	metrics.HubActiveGroups.Set(0)
	slog.Info("hub shutdown complete", "disconnected_clients", total)
}
