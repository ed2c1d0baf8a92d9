package chat

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

// State is the lifecycle of one connection: Connecting → Active → Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// ConnLike is the subset of a websocket connection a session needs.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetReadLimit(int64)
	SetPongHandler(func(string) error)
	Close() error
}

// SessionConfig holds timing and buffer limits for sessions.
type SessionConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
	SendBuffer   int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait / 3
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1_000_000
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Client is one live real-time session of a user.
type Client struct {
	id     string
	userID string
	conn   ConnLike
	send   chan []byte
	hub    *Hub
	cfg    SessionConfig
	state  atomic.Int32
}

func newClient(hub *Hub, conn ConnLike, userID string, cfg SessionConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, cfg.SendBuffer),
		hub:    hub,
		cfg:    cfg,
	}
}

func (c *Client) SessionID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Serve runs a session on conn for userID until the connection ends. It must be
// called from the goroutine that owns conn (the websocket handler). An empty
// userID closes the connection without registering.
func (h *Hub) Serve(conn ConnLike, userID string, cfg SessionConfig) error {
	c := newClient(h, conn, userID, cfg)
	if userID == "" {
		c.setState(StateClosed)
		conn.Close()
		return ErrUnauthorized
	}
	if err := h.Register(c); err != nil {
		c.setState(StateClosed)
		conn.Close()
		return err
	}
	go c.writePump()
	c.readPump()
	return nil
}

func (c *Client) readPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(c.cfg.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("session_read_error", "user", c.userID, "session", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.hub.handleInbound(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
