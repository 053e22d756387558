package signaling

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/pkg/types"
)

type roomMsg interface{ isRoomMsg() }

type inbound struct {
	conn *Conn
	env  types.ClientEnvelope
}

type closed struct {
	conn *Conn
}

type statsReq struct {
	reply chan RoomStats
}

func (inbound) isRoomMsg()  {}
func (closed) isRoomMsg()   {}
func (statsReq) isRoomMsg() {}

type peer struct {
	conn  *Conn
	name  string
	role  string
	state PeerState // players only
}

// RoomStats is a point-in-time view of one lobby's signaling table.
type RoomStats struct {
	Code     string
	Streamer string // empty when no streamer is active
	Players  map[string]PeerState
}

// room routes signaling for one lobby. All state, including the
// active-streamer slot, is touched only by loop, so a registration is a
// single check-and-set relative to every other message in the lobby.
type room struct {
	code     string
	inbox    chan roomMsg
	reg      Registry
	log      *zap.Logger
	ctx      context.Context
	streamer *peer
	players  map[string]*peer // folded name -> peer
	byConn   map[string]*peer // conn id -> peer
	notices  *fanout
}

func newRoom(ctx context.Context, code string, reg Registry, log *zap.Logger) *room {
	r := &room{
		code:    code,
		inbox:   make(chan roomMsg, 64),
		reg:     reg,
		log:     log.With(zap.String("lobby", code)),
		ctx:     ctx,
		players: make(map[string]*peer),
		byConn:  make(map[string]*peer),
		notices: newFanout(),
	}
	go r.loop()
	return r
}

func (r *room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case inbound:
				r.handle(msg.conn, msg.env)
			case closed:
				if p := r.byConn[msg.conn.ID()]; p != nil {
					r.remove(p)
				}
			case statsReq:
				msg.reply <- r.stats()
			}
		}
	}
}

func (r *room) submit(ctx context.Context, m roomMsg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

func (r *room) handle(c *Conn, env types.ClientEnvelope) {
	switch env.Type {
	case types.MsgRegister:
		r.register(c, env)
	case types.MsgOffer:
		r.offer(c, env)
	case types.MsgAnswer:
		r.answer(c, env)
	case types.MsgCandidate:
		r.candidate(c, env)
	case types.MsgLeave:
		if p := r.byConn[c.ID()]; p != nil {
			r.remove(p)
		}
	}
}

func (r *room) register(c *Conn, env types.ClientEnvelope) {
	name, err := lobby.ValidateName(env.Name)
	if err != nil {
		r.reply(c, types.Error(describe(err)))
		return
	}
	role := lobby.RolePlayer
	if env.Role == types.RoleStreamer {
		role = lobby.RoleHost
	}
	key := lobby.NameKey(name)
	if r.nameTaken(c, key, env.Role) {
		r.reply(c, types.Error("name already in use"))
		return
	}

	// A connection re-registering under another identity drops the old one
	// before the registry sees the new name.
	prev := r.byConn[c.ID()]
	if prev != nil && (lobby.NameKey(prev.name) != key || prev.role != env.Role) {
		r.remove(prev)
		prev = nil
	}
	if err := r.reg.RegisterPlayer(r.ctx, r.code, name, role); err != nil {
		r.reply(c, types.Error(describe(err)))
		return
	}
	if prev != nil {
		r.refresh(prev, name)
		return
	}

	p := &peer{conn: c, name: name, role: env.Role}
	r.byConn[c.ID()] = p

	if env.Role == types.RoleStreamer {
		r.promote(p)
		return
	}

	if old := r.players[key]; old != nil {
		r.supersede(old, "superseded by a newer player connection")
	}
	p.state = StateAwaitingStreamer
	r.players[key] = p
	r.notices.subscribe(p)
	r.reply(c, types.Registered(types.RolePlayer, r.streamer != nil))
	r.log.Info("player registered", zap.String("player", name), zap.Bool("streamer_ready", r.streamer != nil))
}

// nameTaken reports whether key belongs to a live peer of the other role on
// another connection. Same-role clashes are supersedes, not conflicts.
func (r *room) nameTaken(c *Conn, key, role string) bool {
	if role == types.RoleStreamer {
		p := r.players[key]
		return p != nil && p.conn != c
	}
	return r.streamer != nil && r.streamer.conn != c && lobby.NameKey(r.streamer.name) == key
}

// refresh answers a repeated register from a connection already bound to
// the same name and role. Nothing is torn down and no notices go out.
func (r *room) refresh(p *peer, name string) {
	p.name = name
	if p.role == types.RoleStreamer {
		r.reply(p.conn, types.Registered(types.RoleStreamer, true))
		return
	}
	p.state = StateAwaitingStreamer
	r.reply(p.conn, types.Registered(types.RolePlayer, r.streamer != nil))
}

// promote makes p the active streamer, closing any previous one. Players that
// were negotiating or linked with the old streamer are told it went away;
// then every player awaiting a streamer gets exactly one streamer-ready.
func (r *room) promote(p *peer) {
	if old := r.streamer; old != nil {
		r.streamer = nil
		r.supersede(old, "superseded by a newer streamer")
		if lobby.NameKey(old.name) != lobby.NameKey(p.name) {
			_ = r.reg.Leave(r.ctx, r.code, old.name)
		}
		r.resetPlayers(func(pl *peer) bool { return pl.state != StateAwaitingStreamer })
	}

	r.streamer = p
	if err := r.reg.SetStreamerPresent(r.ctx, r.code, true); err != nil {
		r.log.Warn("mark streamer present", zap.Error(err))
	}
	if !r.reply(p.conn, types.Registered(types.RoleStreamer, true)) {
		return
	}

	res := r.notices.publish(types.ServerEnvelope{Type: types.MsgStreamerReady}, func(pl *peer) bool {
		return pl.state == StateAwaitingStreamer
	})
	r.dropSlow(res)
	r.log.Info("streamer active", zap.String("streamer", p.name), zap.Int("notified", res.Sent))
}

func (r *room) offer(c *Conn, env types.ClientEnvelope) {
	p := r.byConn[c.ID()]
	switch {
	case p == nil:
		r.reply(c, types.Error("not registered"))
		return
	case p.role != types.RolePlayer:
		r.reply(c, types.Error("only players may send offers"))
		return
	case r.streamer == nil:
		r.reply(c, types.Error("no active streamer"))
		return
	}

	if !r.reply(r.streamer.conn, types.ServerEnvelope{Type: types.MsgOffer, Name: p.name, Offer: env.Offer}) {
		return
	}
	p.state, _ = Apply(p.state, EvtOfferSent)
	r.log.Debug("offer forwarded", zap.String("player", p.name))
}

func (r *room) answer(c *Conn, env types.ClientEnvelope) {
	if r.streamer == nil || r.streamer.conn != c {
		r.log.Debug("answer from non-active streamer dropped", zap.String("conn", c.ID()))
		return
	}
	target := r.players[lobby.NameKey(env.Name)]
	if target == nil {
		r.log.Debug("answer for unknown player dropped", zap.String("player", env.Name))
		return
	}
	next, err := Apply(target.state, EvtAnswerReceived)
	if err != nil {
		r.log.Debug("stale answer dropped", zap.String("player", target.name), zap.Error(err))
		return
	}
	if r.reply(target.conn, types.ServerEnvelope{Type: types.MsgAnswer, Name: target.name, Answer: env.Answer}) {
		target.state = next
	}
}

// candidate goes to the counterpart, or nowhere if there is none yet.
func (r *room) candidate(c *Conn, env types.ClientEnvelope) {
	p := r.byConn[c.ID()]
	if p == nil {
		return
	}

	if p.role == types.RolePlayer {
		if r.streamer == nil {
			return
		}
		r.reply(r.streamer.conn, types.ServerEnvelope{Type: types.MsgCandidate, Name: p.name, Candidate: env.Candidate})
		return
	}

	if r.streamer != p {
		return
	}
	target := r.players[lobby.NameKey(env.Name)]
	if target == nil {
		return
	}
	r.reply(target.conn, types.ServerEnvelope{Type: types.MsgCandidate, Name: target.name, Candidate: env.Candidate})
}

// remove discards a peer after leave or channel close.
func (r *room) remove(p *peer) {
	delete(r.byConn, p.conn.ID())

	if err := r.reg.Leave(r.ctx, r.code, p.name); err != nil && !errors.Is(err, lobby.ErrNotFound) {
		r.log.Warn("registry leave", zap.String("name", p.name), zap.Error(err))
	}

	if p.role == types.RolePlayer {
		key := lobby.NameKey(p.name)
		if r.players[key] == p {
			delete(r.players, key)
		}
		r.notices.unsubscribe(p)
		r.log.Info("player left", zap.String("player", p.name))
		return
	}

	if r.streamer != p {
		return
	}
	r.streamer = nil
	if err := r.reg.SetStreamerPresent(r.ctx, r.code, false); err != nil {
		r.log.Warn("mark streamer absent", zap.Error(err))
	}
	r.resetPlayers(nil)
	r.log.Info("streamer disconnected", zap.String("streamer", p.name))
}

// resetPlayers sends streamer-disconnected to matching players and returns
// them to AwaitingStreamer.
func (r *room) resetPlayers(match func(*peer) bool) {
	res := r.notices.publish(types.ServerEnvelope{Type: types.MsgStreamerDisconnected}, match)
	for _, p := range r.notices.subs {
		if match == nil || match(p) {
			p.state, _ = Apply(p.state, EvtStreamerLost)
		}
	}
	r.dropSlow(res)
}

// supersede closes a replaced connection and forgets it. The registry record
// stays present because the same name is registering again.
func (r *room) supersede(p *peer, reason string) {
	delete(r.byConn, p.conn.ID())
	if p.role == types.RolePlayer {
		delete(r.players, lobby.NameKey(p.name))
		r.notices.unsubscribe(p)
	}
	p.conn.room.CompareAndSwap(r, nil)
	p.conn.Close(reason)
}

// reply sends env to c; a connection that cannot keep up is dropped.
func (r *room) reply(c *Conn, env types.ServerEnvelope) bool {
	if c.send(env) {
		return true
	}
	if c.Closed() {
		return false
	}
	r.log.Warn("slow connection dropped", zap.String("conn", c.ID()))
	c.Close("slow consumer")
	if p := r.byConn[c.ID()]; p != nil {
		r.remove(p)
	}
	return false
}

func (r *room) dropSlow(res publishResult) {
	for _, p := range res.Dropped {
		if p.conn.Closed() {
			continue
		}
		r.log.Warn("slow connection dropped", zap.String("player", p.name))
		p.conn.Close("slow consumer")
		r.remove(p)
	}
}

func (r *room) stats() RoomStats {
	s := RoomStats{Code: r.code, Players: make(map[string]PeerState, len(r.players))}
	if r.streamer != nil {
		s.Streamer = r.streamer.name
	}
	for _, p := range r.players {
		s.Players[p.name] = p.state
	}
	return s
}

func (r *room) shutdown() {
	for _, p := range r.byConn {
		p.conn.Close("relay shutting down")
	}
	clear(r.byConn)
	clear(r.players)
	r.streamer = nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, lobby.ErrNotFound):
		return "lobby not found"
	case errors.Is(err, lobby.ErrValidation):
		return strings.TrimPrefix(err.Error(), lobby.ErrValidation.Error()+": ")
	default:
		return "registration failed"
	}
}
