package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	}
	return "closed"
}

const statusGoingAway = websocket.StatusGoingAway

type conn struct {
	id        string
	accountID string
	ws        *websocket.Conn
	log       *log.Entry

	send         chan []byte
	writeTimeout time.Duration

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *log.Logger) *conn {
	if buffer <= 0 {
		buffer = 64
	}
	c := &conn{
		id:           id,
		ws:           ws,
		log:          logger.WithField("conn", id),
		send:         make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *conn) State() State { return State(c.state.Load()) }

func (c *conn) setState(s State) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(s))
}

// queue hands msg to the writer without blocking. A full buffer means the peer
// is not keeping up, so the connection is dropped instead of stalling the room.
func (c *conn) queue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send buffer full, closing connection")
		c.close(websocket.StatusTryAgainLater, "send buffer full")
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.log.WithError(err).Debug("write failed")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if c.ws != nil {
			go func() { _ = c.ws.Close(code, reason) }()
		}
	})
}
