package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one tunnel connection. It moves from unauthenticated to bound
// after a successful handshake and to terminated when either pump stops;
// there is no way back.
type client struct {
	conn   *websocket.Conn
	gw     *Gateway
	addr   string
	log    *slog.Logger
	user   chat.UserID
	sender *Sender
}

func newClient(conn *websocket.Conn, gw *Gateway, addr string) *client {
	conn.SetReadLimit(int64(gw.cfg.MaxMessageSize))
	return &client{
		conn: conn,
		gw:   gw,
		addr: addr,
		log:  gw.log.With("remote", addr),
	}
}

func (c *client) serve() {
	user, err := c.handshake()
	if err != nil {
		c.reject(err)
		return
	}

	c.user = user
	c.sender = NewSender(c.gw.cfg.OutboundBufferSize)
	c.log = c.log.With("user", user)
	c.gw.bind(user, c.sender)
	if c.gw.closing.Load() {
		c.gw.release(user, c.sender)
	}
	c.gw.metrics.handshakes.WithLabelValues(resultOK).Inc()
	c.log.Info("connection bound")

	c.gw.wg.Add(1)
	go func() {
		defer c.gw.wg.Done()
		c.readPump()
	}()
	c.writePump()
}

// handshake waits for the single authentication frame.
func (c *client) handshake() (chat.UserID, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.HandshakeTimeout)); err != nil {
		return 0, fmt.Errorf("%w: set handshake deadline: %v", chat.ErrProtocolViolation, err)
	}

	kind, raw, err := c.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("%w: read auth frame: %v", chat.ErrProtocolViolation, err)
	}
	if kind != websocket.TextMessage {
		return 0, fmt.Errorf("%w: auth frame has type %d", chat.ErrProtocolViolation, kind)
	}

	var frame chat.AuthFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return 0, fmt.Errorf("%w: decode auth frame: %v", chat.ErrProtocolViolation, err)
	}
	if err := c.gw.validate.Struct(frame); err != nil {
		return 0, fmt.Errorf("%w: %v", chat.ErrProtocolViolation, err)
	}
	if c.gw.closing.Load() {
		return 0, errShuttingDown
	}

	user, ok := c.gw.sessions.Authenticate(*frame.Session)
	if !ok {
		return 0, chat.ErrUnauthenticated
	}
	return user, nil
}

var errShuttingDown = errors.New("server shutting down")

// reject terminates a connection that never got bound. A close frame is sent
// on a best-effort basis; nothing is registered.
func (c *client) reject(err error) {
	code := websocket.CloseProtocolError
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		code = websocket.ClosePolicyViolation
		c.gw.metrics.handshakes.WithLabelValues(resultUnauthenticated).Inc()
	case errors.Is(err, errShuttingDown):
		code = websocket.CloseGoingAway
	default:
		c.gw.metrics.handshakes.WithLabelValues(resultProtocol).Inc()
	}
	c.log.Info("handshake rejected", "error", err)

	msg := websocket.FormatCloseMessage(code, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error writing close frame", "error", err)
	}
	c.closeConnection()
}

// setupReadConnection configures read deadlines and pong handler for the
// bound connection.
func (c *client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readPump only keeps the read half alive after the handshake: it processes
// control frames and notices when the peer goes away. Inbound data frames
// are ignored; messages are submitted through the HTTP endpoint.
func (c *client) readPump() {
	defer c.gw.release(c.user, c.sender)

	c.setupReadConnection()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.log.Debug("ignoring inbound frame on bound connection")
	}
}

// handleReadError logs the reason the read half stopped.
func (c *client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("inbound frame exceeded maximum size", "limit", c.gw.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", "reason", err)
	default:
		c.log.Warn("tunnel read error", "error", err)
	}
}

// writePump forwards the outbound channel to the wire until the sender is
// closed or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.gw.release(c.user, c.sender)
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.sender.Done():
		c.writeCloseMessage()
		return false
	case payload := <-c.sender.C():
		if c.sender.Closed() {
			c.writeCloseMessage()
			return false
		}
		return c.writeTextMessage(payload)
	case <-ticker.C:
		return c.writePing()
	}
}

func (c *client) writeTextMessage(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *client) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("error writing close message", "error", err)
		}
	}
}

func (c *client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error writing ping", "error", err)
		return false
	}
	return true
}

// closeConnection closes the socket, ignoring errors expected during teardown.
func (c *client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection", "error", err)
	}
}
