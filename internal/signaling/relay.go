package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/pkg/types"
)

var ErrClosed = errors.New("relay closed")

// Registry is the slice of the session registry the relay needs for role
// and presence bookkeeping.
type Registry interface {
	Lookup(code string) *lobby.Lobby
	EnsureLobby(ctx context.Context, code string) (*lobby.Lobby, error)
	RegisterPlayer(ctx context.Context, code, name string, role lobby.Role) error
	Leave(ctx context.Context, code, name string) error
	SetStreamerPresent(ctx context.Context, code string, present bool) error
}

type Options struct {
	// AutoCreateLobby creates the lobby on the first register under an
	// unknown code instead of answering "lobby not found".
	AutoCreateLobby bool
}

// Relay routes signaling envelopes between one active streamer and the
// players of each lobby. Each lobby gets its own room goroutine.
type Relay struct {
	reg    Registry
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRelay(parent context.Context, reg Registry, opts Options, log *zap.Logger) *Relay {
	ctx, cancel := context.WithCancel(parent)
	return &Relay{
		reg:    reg,
		opts:   opts,
		log:    logging.OrNop(log).Named("relay"),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
}

// HandleRaw decodes one frame from c. Malformed frames are dropped without
// a reply. Callers must invoke it from a single goroutine per connection so
// that the connection's messages keep their arrival order.
func (r *Relay) HandleRaw(ctx context.Context, c *Conn, data []byte) error {
	var env types.ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Debug("malformed envelope dropped", zap.String("conn", c.ID()), zap.Error(err))
		return nil
	}
	return r.Handle(ctx, c, env)
}

func (r *Relay) Handle(ctx context.Context, c *Conn, env types.ClientEnvelope) error {
	if !wellFormed(env) {
		r.log.Debug("malformed envelope dropped", zap.String("conn", c.ID()), zap.String("type", env.Type))
		return nil
	}

	if env.Type == types.MsgRegister {
		code := lobby.NormalizeCode(env.Code)
		if err := r.ensureLobby(ctx, code); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.send(types.Error(describe(err)))
			return nil
		}
		rm := r.room(code)
		if prev := c.room.Swap(rm); prev != nil && prev != rm {
			if err := prev.submit(ctx, closed{conn: c}); err != nil {
				return err
			}
		}
		return rm.submit(ctx, inbound{conn: c, env: env})
	}

	rm := c.room.Load()
	if rm == nil {
		if env.Type == types.MsgOffer {
			c.send(types.Error("not registered"))
		}
		return nil
	}
	return rm.submit(ctx, inbound{conn: c, env: env})
}

// Disconnect reports that c's channel has closed.
func (r *Relay) Disconnect(ctx context.Context, c *Conn) {
	c.Close("channel closed")
	rm := c.room.Swap(nil)
	if rm == nil {
		return
	}
	if err := rm.submit(ctx, closed{conn: c}); err != nil {
		r.log.Debug("disconnect not delivered", zap.String("conn", c.ID()), zap.Error(err))
	}
}

// Stats returns the signaling table for code, if the lobby has seen any
// registration.
func (r *Relay) Stats(ctx context.Context, code string) (RoomStats, bool, error) {
	r.mu.Lock()
	rm := r.rooms[lobby.NormalizeCode(code)]
	r.mu.Unlock()
	if rm == nil {
		return RoomStats{}, false, nil
	}

	reply := make(chan RoomStats, 1)
	if err := rm.submit(ctx, statsReq{reply: reply}); err != nil {
		return RoomStats{}, false, err
	}
	select {
	case s := <-reply:
		return s, true, nil
	case <-ctx.Done():
		return RoomStats{}, false, ctx.Err()
	case <-r.ctx.Done():
		return RoomStats{}, false, ErrClosed
	}
}

// Close stops every room and closes their connections.
func (r *Relay) Close() { r.cancel() }

func (r *Relay) ensureLobby(ctx context.Context, code string) error {
	if r.opts.AutoCreateLobby {
		_, err := r.reg.EnsureLobby(ctx, code)
		return err
	}
	if r.reg.Lookup(code) == nil {
		return fmt.Errorf("lobby %s: %w", code, lobby.ErrNotFound)
	}
	return nil
}

func (r *Relay) room(code string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[code]
	if rm == nil {
		rm = newRoom(r.ctx, code, r.reg, r.log)
		r.rooms[code] = rm
	}
	return rm
}

func wellFormed(env types.ClientEnvelope) bool {
	switch env.Type {
	case types.MsgRegister:
		return env.Code != "" && (env.Role == types.RoleStreamer || env.Role == types.RolePlayer)
	case types.MsgOffer:
		return present(env.Offer)
	case types.MsgAnswer:
		return env.Name != "" && present(env.Answer)
	case types.MsgCandidate:
		return present(env.Candidate)
	case types.MsgLeave:
		return true
	default:
		return false
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
