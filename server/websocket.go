package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/davi-scan-agent/protocol"
	"github.com/dotside-studios/davi-scan-agent/scanner"
)

const writeTimeout = 5 * time.Second

// ErrClientClosed is returned when writing to a client that has gone away.
var ErrClientClosed = errors.New("client connection closed")

// Client is the connected host app. Writes are serialized because handlers
// and stream forwarders write from their own goroutines.
type Client struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger

	mu         sync.Mutex
	closed     bool
	closers    map[uint64]func()
	nextCloser uint64
}

func newClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		log:  logger.With().Str("client", id).Logger(),
	}
}

// ID identifies the client in logs.
func (c *Client) ID() string {
	return c.id
}

// WriteJSON sends v as one text frame.
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Warn().Err(err).Msg("WebSocket write error")
		return err
	}
	return nil
}

// Send writes an agent-initiated message or a streaming delivery.
func (c *Client) Send(msg protocol.WebSocketMessage) error {
	return c.WriteJSON(msg)
}

// Reply sends the terminal success response for req.
func (c *Client) Reply(req protocol.WebSocketRequest, payload any) error {
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResponseType(req.Type),
		Success: true,
		Payload: payload,
	})
}

// ReplyError sends the terminal failure response for req.
func (c *Client) ReplyError(req protocol.WebSocketRequest, code, message string) error {
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResponseType(req.Type),
		Success: false,
		Error:   message,
		Payload: protocol.ErrorPayload{Code: code},
	})
}

// Fail reports err for req, coded from the scanner error taxonomy.
func (c *Client) Fail(req protocol.WebSocketRequest, err error) error {
	return c.ReplyError(req, scanner.CodeName(err), err.Error())
}

// OnClose registers fn to run once the connection ends. If it already
// ended, fn runs immediately. The returned func unregisters fn.
func (c *Client) OnClose(fn func()) (remove func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	if c.closers == nil {
		c.closers = make(map[uint64]func())
	}
	id := c.nextCloser
	c.nextCloser++
	c.closers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.closers, id)
		c.mu.Unlock()
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, fn := range closers {
		fn()
	}
}

// sendError sends an error that is not tied to a known request type.
func (c *Client) sendError(requestID, code, message string) {
	err := c.WriteJSON(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: protocol.ErrorPayload{Code: code},
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("failed to send error response")
	}
}
