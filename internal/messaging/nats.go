// Package messaging provides a NATS client wrapper used as the push
// channel of the document store: every document or stream mutation is
// announced on a subject derived from its path, and subscribers re-read
// the store on each announcement. It handles connection lifecycle and a
// keyed subscription registry so owners can release exactly once.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamEvent is the payload attached to stream append announcements so
// that wildcard consumers receive the entry without a store round trip.
// Announcements for in-place entry updates carry no payload.
type StreamEvent struct {
	Path      string          `json:"path"`
	ID        string          `json:"id"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Subject prefixes for store change announcements.
const (
	SubjectDoc    = "doc"    // + .<path tokens> — document changed
	SubjectStream = "stream" // + .<path tokens> — stream appended/updated
)

// DocSubject returns the NATS subject announcing changes to the document
// at path. Path separators map to subject tokens.
func DocSubject(path string) string {
	return SubjectDoc + "." + strings.ReplaceAll(path, "/", ".")
}

// StreamSubject returns the NATS subject announcing appends to the stream
// at path.
func StreamSubject(path string) string {
	return SubjectStream + "." + strings.ReplaceAll(path, "/", ".")
}

// Client wraps the NATS connection with helper methods for store change
// announcements.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-sync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// AnnounceDoc publishes a change announcement for the document at path.
func (c *Client) AnnounceDoc(path string) error {
	return c.conn.Publish(DocSubject(path), nil)
}

// AnnounceStream publishes an append announcement for the stream at path.
// The payload carries the appended entry so wildcard consumers (such as
// the archiver) do not have to re-read the stream.
func (c *Client) AnnounceStream(path string, payload []byte) error {
	return c.conn.Publish(StreamSubject(path), payload)
}

// SubscribeDoc registers a handler for change announcements of the
// document at path. The subscription is registered under key so that
// multiple watchers of the same document do not overwrite each other.
func (c *Client) SubscribeDoc(path, key string, handler func()) error {
	return c.subscribe(DocSubject(path), "doc:"+key, func(*nats.Msg) { handler() })
}

// SubscribeStream registers a handler for append announcements of the
// stream at path, keyed like SubscribeDoc.
func (c *Client) SubscribeStream(path, key string, handler func(data []byte)) error {
	return c.subscribe(StreamSubject(path), "stream:"+key, func(msg *nats.Msg) { handler(msg.Data) })
}

// SubscribeAllStreams registers a wildcard handler receiving every stream
// append announcement together with the document path it belongs to.
func (c *Client) SubscribeAllStreams(key string, handler func(path string, data []byte)) error {
	subject := SubjectStream + ".>"
	return c.subscribe(subject, "stream:"+key, func(msg *nats.Msg) {
		path := strings.ReplaceAll(strings.TrimPrefix(msg.Subject, SubjectStream+"."), ".", "/")
		handler(path, msg.Data)
	})
}

// Unsubscribe releases the document subscription registered under key.
func (c *Client) Unsubscribe(key string) error {
	return c.unsubscribe("doc:" + key)
}

// UnsubscribeStream releases the stream subscription registered under key.
func (c *Client) UnsubscribeStream(key string) error {
	return c.unsubscribe("stream:" + key)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) subscribe(subject, key string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		// A replaced registration must not keep firing its handler.
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription under key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
