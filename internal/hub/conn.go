package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// ErrSendBufferFull is returned by Send when the client cannot keep up.
var ErrSendBufferFull = errors.New("send buffer full")

// Conn wraps one live WebSocket connection with a dedicated write goroutine.
// All outbound frames (broadcasts, private replies, keepalive pings) go
// through the buffered send channel so the connection is only ever written
// from one goroutine.
type Conn struct {
	id          string
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newConn(connection *websocket.Conn, clock clockwork.Clock) *Conn {
	c := &Conn{
		id:          uuid.New().String(),
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	c.configurePongHandler()
	c.wg.Add(1)
	go c.run()
	return c
}

// ID returns the connection's identifier, used for log correlation.
func (c *Conn) ID() string { return c.id }

// Send queues one message for delivery. It never blocks: a full buffer
// returns ErrSendBufferFull and the message is dropped for this recipient.
func (c *Conn) Send(data []byte) error {
	select {
	case c.sendChannel <- data:
		return nil
	case <-c.doneChannel:
		return websocket.ErrCloseSent
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down and waits for the write pump to exit.
func (c *Conn) Close() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		_ = c.connection.Close()
	})
	c.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing. Used by the
// hub during shutdown.
func (c *Conn) stopGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)

		// The write pump must exit before the close frame is written, to
		// avoid concurrent writes to the WebSocket connection.
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.connection.Close()
	})
}

func (c *Conn) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case msg, ok := <-c.sendChannel:
			if !ok {
				return
			}
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

func (c *Conn) configurePongHandler() {
	c.updateReadDeadline()
	c.connection.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *Conn) updateWriteDeadline() {
	_ = c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *Conn) updateReadDeadline() {
	_ = c.connection.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
