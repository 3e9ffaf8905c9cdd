package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 90 * time.Second
	wsPingInterval    = 30 * time.Second
	wsRegisterWait    = 10 * time.Second
	wsSendBuffer      = 64
)

var errConnClosed = errors.New("hub: worker connection closed")

// workerConn wraps one worker socket. All writes go through the send
// channel so only writeLoop touches the connection.
type workerConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWorkerConn(id string, conn *websocket.Conn) *workerConn {
	return &workerConn{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue queues a frame for writeLoop. Fails once the connection is
// closed or the send buffer is full (a stalled worker).
func (c *workerConn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		return errors.New("hub: worker send buffer full")
	}
}

func (c *workerConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *workerConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
