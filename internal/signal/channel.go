package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// DialError is a room admission rejected before the upgrade. The status code
// distinguishes a bad token (401/403), a missing call (404) and a full room
// (409).
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial room rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Handler consumes one inbound envelope. Handlers run on the channel's read
// goroutine, strictly in arrival order.
type Handler func(env Envelope)

// Channel is a client connection to a deal room. Register handlers with On
// before calling Dial; registration after Dial is rejected.
type Channel struct {
	logger *slog.Logger

	handlers map[string]Handler
	dialed   bool

	mu     sync.Mutex // guards conn writes and closed
	conn   *websocket.Conn
	closed bool

	done chan struct{}
}

func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{
		logger:   logger,
		handlers: map[string]Handler{},
		done:     make(chan struct{}),
	}
}

// On registers the handler for a message type. Must be called before Dial.
func (c *Channel) On(msgType string, h Handler) error {
	if c.dialed {
		return fmt.Errorf("cannot register handler for %q after dial", msgType)
	}
	c.handlers[msgType] = h
	return nil
}

// Dial connects to the room endpoint and starts the read loop. The room token
// travels as a query parameter, the session token as a bearer header.
func (c *Channel) Dial(ctx context.Context, serverURL, roomToken, sessionToken string) error {
	if c.dialed {
		return fmt.Errorf("channel already dialed")
	}
	c.dialed = true

	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/call"
	q := u.Query()
	q.Set("room_token", roomToken)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if sessionToken != "" {
		header.Set("Authorization", "Bearer "+sessionToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("dial room: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Send marshals payload and writes one envelope. Safe for concurrent use.
func (c *Channel) Send(msgType string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		data = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return fmt.Errorf("channel closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Envelope{Type: msgType, Data: data})
}

// Close tears the transport down. Safe to call more than once; after the
// first call no further handlers fire.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

// Done is closed once the channel shuts down for any reason.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.transportLost(err)
			return
		}
		if h, ok := c.handlers[env.Type]; ok {
			h(env)
		} else if c.logger != nil {
			c.logger.Debug("unhandled signal message", "type", env.Type)
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// transportLost synthesizes a connect-error event for the controller, unless
// the loss was an intentional Close.
func (c *Channel) transportLost(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if wasClosed {
		return
	}
	if c.logger != nil {
		c.logger.Warn("signaling transport lost", "error", err)
	}
	if h, ok := c.handlers[TypeConnectError]; ok {
		h(Envelope{
			Type: TypeConnectError,
			Data: MustMarshal(ErrorData{Message: err.Error()}),
		})
	}
	close(c.done)
}
