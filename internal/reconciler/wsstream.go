package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

var ErrNotConnected = errors.New("stream not connected")

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 10 * time.Second
	writeWait  = 10 * time.Second
)

// WSStream keeps a websocket to /api/ws open, reconnecting with backoff.
type WSStream struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	events chan models.Envelope
	status chan bool

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSStream(url string, header http.Header) *WSStream {
	return &WSStream{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan models.Envelope, 64),
		status: make(chan bool, 8),
	}
}

func (s *WSStream) Events() <-chan models.Envelope { return s.events }

func (s *WSStream) Status() <-chan bool { return s.status }

// Send writes one event frame, e.g. a typing signal.
func (s *WSStream) Send(event string, payload any) error {
	frame, err := models.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *WSStream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *WSStream) report(ctx context.Context, up bool) {
	select {
	case s.status <- up:
	case <-ctx.Done():
	}
}

// Run dials and reads until ctx ends. Events and Status are closed on return.
func (s *WSStream) Run(ctx context.Context) {
	defer close(s.events)
	defer close(s.status)

	backoff := minBackoff
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			logger.Debug("ws_dial_failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		s.setConn(conn)
		s.report(ctx, true)

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		s.read(ctx, conn)
		stop()

		s.setConn(nil)
		conn.Close()
		s.report(ctx, false)
	}
}

func (s *WSStream) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("ws_read_ended", "error", err)
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case s.events <- env:
		case <-ctx.Done():
			return
		}
	}
}
