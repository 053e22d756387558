package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/pkg/types"
)

var ErrClosed = errors.New("hub closed")
var ErrCodeExhausted = errors.New("could not allocate a unique lobby code")

const maxCodeAttempts = 16

type HubMsg interface{ isHubMsg() }

// CreateLobby creates a lobby under Code. Reply receives nil if the code is taken.
type CreateLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

// Hub is the session registry. Directory writes are serialized through the
// inbox loop; reads go straight to the directory map so score calls for
// different players never queue behind each other.
type Hub struct {
	inbox   chan HubMsg
	lobbies sync.Map // code -> *lobby.Lobby
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		log:    logging.OrNop(log).Named("hub"),
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				code := lobby.NormalizeCode(msg.Code)
				if _, taken := h.lobbies.Load(code); taken {
					msg.Reply <- nil
					break
				}
				lb := lobby.NewLobby(code)
				h.lobbies.Store(code, lb)
				h.log.Info("lobby created", zap.String("lobby", code))
				msg.Reply <- lb

			case GetLobby:
				msg.Reply <- h.Lookup(msg.Code) // May be nil

			case EnsureLobby:
				code := lobby.NormalizeCode(msg.Code)
				if lb := h.Lookup(code); lb != nil {
					msg.Reply <- lb
					break
				}
				lb := lobby.NewLobby(code)
				h.lobbies.Store(code, lb)
				h.log.Info("lobby created on demand", zap.String("lobby", code))
				msg.Reply <- lb

			case ShutdownHub:
				h.lobbies.Clear()
				h.cancel()
			}
		}
	}
}

// Lookup returns the lobby for code, or nil.
func (h *Hub) Lookup(code string) *lobby.Lobby {
	v, ok := h.lobbies.Load(lobby.NormalizeCode(code))
	if !ok {
		return nil
	}
	return v.(*lobby.Lobby)
}

func (h *Hub) ask(ctx context.Context, msg HubMsg, reply chan *lobby.Lobby) (*lobby.Lobby, error) {
	select {
	case h.inbox <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrClosed
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrClosed
	}
}

// CreateLobby allocates a fresh unique code.
func (h *Hub) CreateLobby(ctx context.Context) (string, error) {
	for range maxCodeAttempts {
		code, err := GenerateCode()
		if err != nil {
			return "", fmt.Errorf("generate lobby code: %w", err)
		}
		reply := make(chan *lobby.Lobby, 1)
		lb, err := h.ask(ctx, CreateLobby{Code: code, Reply: reply}, reply)
		if err != nil {
			return "", err
		}
		if lb != nil {
			return lb.Code, nil
		}
		h.log.Debug("collision on code, regenerating", zap.String("code", code))
	}
	return "", ErrCodeExhausted
}

func (h *Hub) EnsureLobby(ctx context.Context, code string) (*lobby.Lobby, error) {
	if lb := h.Lookup(code); lb != nil {
		return lb, nil
	}
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, EnsureLobby{Code: code, Reply: reply}, reply)
}

func (h *Hub) lobby(code string) (*lobby.Lobby, error) {
	lb := h.Lookup(code)
	if lb == nil {
		return nil, fmt.Errorf("lobby %s: %w", lobby.NormalizeCode(code), lobby.ErrNotFound)
	}
	return lb, nil
}

// RegisterPlayer upserts name into the lobby with role.
func (h *Hub) RegisterPlayer(ctx context.Context, code, name string, role lobby.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lb, err := h.lobby(code)
	if err != nil {
		return err
	}
	if _, err := lb.Register(name, role); err != nil {
		return err
	}
	h.log.Debug("player registered",
		zap.String("lobby", lb.Code), zap.String("player", name), zap.String("role", string(role)))
	return nil
}

// IncrementScore atomically bumps the player's score and returns the new value.
func (h *Hub) IncrementScore(ctx context.Context, code, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lb, err := h.lobby(code)
	if err != nil {
		return 0, err
	}
	return lb.IncrementScore(name)
}

// Leave marks the player absent; the score is kept.
func (h *Hub) Leave(ctx context.Context, code, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lb, err := h.lobby(code)
	if err != nil {
		return err
	}
	return lb.Leave(name)
}

func (h *Hub) SetStreamerPresent(ctx context.Context, code string, present bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lb, err := h.lobby(code)
	if err != nil {
		return err
	}
	lb.SetStreamerPresent(present)
	return nil
}

func (h *Hub) Snapshot(ctx context.Context, code string) (types.LobbySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.LobbySnapshot{}, err
	}
	lb, err := h.lobby(code)
	if err != nil {
		return types.LobbySnapshot{}, err
	}
	return lb.Snapshot(), nil
}

func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
}
