package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pewpew/arena-backend/pkg/types"
)

const defaultOutboxSize = 32

// Conn is the relay side of one participant channel. The transport creates
// it, drains Outbox until Done is closed, and reports the channel going away
// with Relay.Disconnect.
type Conn struct {
	id  string
	out chan types.ServerEnvelope

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string

	room atomic.Pointer[room]
}

func NewConn() *Conn {
	return NewConnSize(defaultOutboxSize)
}

func NewConnSize(buffer int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		out:  make(chan types.ServerEnvelope, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string                          { return c.id }
func (c *Conn) Outbox() <-chan types.ServerEnvelope { return c.out }
func (c *Conn) Done() <-chan struct{}               { return c.done }

// Close releases the connection. Safe to call more than once; the first
// reason wins.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

func (c *Conn) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send never blocks. It reports false when the connection is closed or its
// outbox is full.
func (c *Conn) send(env types.ServerEnvelope) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}
