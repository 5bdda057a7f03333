// Package client provides a reusable WebSocket load test client for the
// chat-sync gateway. It connects using gobwas/ws (the same library the server
// uses), identifies itself through the user query parameter, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/gwproto constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpenConversation = "open_conversation"
	TypeSend             = "send"
	TypeTyping           = "typing"
	TypeVisibility       = "visibility"
	TypeMarkSeen         = "mark_seen"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeChatList       = "chat_list"
	TypeMessages       = "messages"
	TypeMessagePending = "message_pending"
	TypePresence       = "presence"
	TypePeersTyping    = "peers_typing"
	TypeNotice         = "notice"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstPushLatency time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the gateway. It
// manages the WebSocket lifecycle and dispatches incoming pushes to
// registered handlers. The gateway sends the user's chat list immediately
// after the upgrade, so receiving the first chat_list push doubles as the
// session-established signal.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	listReady chan struct{}
	listOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time
}

// New creates a load test client for the given user connected to the gateway
// at baseURL (e.g. "ws://localhost:8080/ws"). The connection is established
// immediately and a background goroutine begins reading pushes.
func New(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		userID:    userID,
		handlers:  make(map[string]func(json.RawMessage)),
		listReady: make(chan struct{}),
		done:      make(chan struct{}),
		connected: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// OpenConversation asks the gateway to attach this connection to the given
// conversation's message feed.
func (c *Client) OpenConversation(conversationID string) error {
	return c.Send(map[string]string{
		"type":            TypeOpenConversation,
		"conversation_id": conversationID,
	})
}

// SendText sends a plain text message into the currently open conversation.
func (c *Client) SendText(text string) error {
	return c.Send(map[string]string{
		"type": TypeSend,
		"text": text,
	})
}

// Typing reports typing activity in the currently open conversation.
func (c *Client) Typing() error {
	return c.Send(map[string]string{"type": TypeTyping})
}

// MarkSeen clears the unread marker on the given chat list entry.
func (c *Client) MarkSeen(conversationID string) error {
	return c.Send(map[string]string{
		"type":            TypeMarkSeen,
		"conversation_id": conversationID,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the push for flexible decoding. Handlers are
// invoked from the read loop goroutine so they should not block for extended
// periods. Only one handler per message type is supported; registering a
// second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForChatList blocks until the gateway has delivered the initial chat
// list push or the context is cancelled. Load test phases that need the
// session fully established should wait on this before driving traffic.
func (c *Client) WaitForChatList(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before chat list arrived")
	case <-c.listReady:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user this client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// The first chat_list push marks the session as established.
		if envelope.Type == TypeChatList {
			c.listOnce.Do(func() {
				c.mu.Lock()
				c.metrics.FirstPushLatency = c.metrics.ConnectLatency + time.Since(c.connected)
				c.mu.Unlock()
				close(c.listReady)
			})
		}

		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
