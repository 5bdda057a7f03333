package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// conn wraps one WebSocket client connection with a write mutex so that
// subscription callbacks and the read loop never interleave frame bytes.
type conn struct {
	userID    string
	netConn   net.Conn
	createdAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// writeMessage sends a WebSocket text frame to this connection.
func (c *conn) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.netConn, ws.OpText, data)
	_ = c.netConn.SetWriteDeadline(time.Time{})
	return err
}

func (c *conn) close() error {
	return c.netConn.Close()
}
