// Package signalclient is the dialing side of the signaling relay.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/pkg/types"
)

var (
	ErrNotRegistered = errors.New("signaling client not registered")
	ErrClosed        = errors.New("signaling client closed")
)

const (
	readLimit    = 1 << 16
	writeTimeout = 3 * time.Second
	inboxSize    = 16
)

type identity struct {
	code, name, role string
}

// Client holds one signaling channel. Sends are safe for concurrent use.
// Inbound envelopes arrive on Messages until the channel ends.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger
	in   chan types.ServerEnvelope

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	id  *identity
	err error

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a channel to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		log:    logging.OrNop(log).Named("signalclient"),
		in:     make(chan types.ServerEnvelope, inboxSize),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages is closed when the channel ends; Err then reports why.
func (c *Client) Messages() <-chan types.ServerEnvelope { return c.in }

// Done is closed once the read side has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Register binds this channel to code as name. Later sends carry this
// identity.
func (c *Client) Register(ctx context.Context, code, name, role string) error {
	c.mu.Lock()
	c.id = &identity{code: code, name: name, role: role}
	c.mu.Unlock()
	return c.send(ctx, types.ClientEnvelope{Type: types.MsgRegister, Code: code, Name: name, Role: role})
}

func (c *Client) Offer(ctx context.Context, sdp json.RawMessage) error {
	return c.sendAs(ctx, "", types.ClientEnvelope{Type: types.MsgOffer, Offer: sdp})
}

// Answer is sent by a streamer to the player named to.
func (c *Client) Answer(ctx context.Context, to string, sdp json.RawMessage) error {
	return c.sendAs(ctx, to, types.ClientEnvelope{Type: types.MsgAnswer, Answer: sdp})
}

// Candidate relays an ICE candidate. Players leave to empty; a streamer
// names the target player.
func (c *Client) Candidate(ctx context.Context, to string, cand json.RawMessage) error {
	return c.sendAs(ctx, to, types.ClientEnvelope{Type: types.MsgCandidate, Candidate: cand})
}

func (c *Client) Leave(ctx context.Context) error {
	return c.sendAs(ctx, "", types.ClientEnvelope{Type: types.MsgLeave})
}

// sendAs fills in the registered identity. to overrides the name field.
func (c *Client) sendAs(ctx context.Context, to string, env types.ClientEnvelope) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == nil {
		return ErrNotRegistered
	}
	env.Code, env.Name, env.Role = id.code, id.name, id.role
	if to != "" {
		env.Name = to
	}
	return c.send(ctx, env)
}

func (c *Client) send(ctx context.Context, env types.ClientEnvelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.in)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("signaling channel closed by peer", zap.Error(err))
			default:
				if c.ctx.Err() == nil {
					c.log.Warn("signaling read failed", zap.Error(err))
				}
			}
			return
		}

		var env types.ServerEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}

		select {
		case c.in <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

// Close ends the channel with a normal closure. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
			// Remote side already ended the channel.
			_ = c.conn.CloseNow()
		default:
			err = c.conn.Close(websocket.StatusNormalClosure, "bye")
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		c.cancel()
		<-c.done
	})
	return err
}
