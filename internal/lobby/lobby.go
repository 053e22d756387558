package lobby

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/pewpew/arena-backend/pkg/types"
)

var ErrNotFound = errors.New("not found")
var ErrValidation = errors.New("invalid request")

const MaxNameLen = 24

type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RolePlayer:
		return Role(s), true
	default:
		return "", false
	}
}

// Player is a registered participant. Score only moves through Increment.
type Player struct {
	name    string
	role    atomic.Value // Role
	score   atomic.Int64
	present atomic.Bool
}

func (p *Player) Name() string     { return p.name }
func (p *Player) Role() Role       { return p.role.Load().(Role) }
func (p *Player) Score() int64     { return p.score.Load() }
func (p *Player) Present() bool    { return p.present.Load() }
func (p *Player) Increment() int64 { return p.score.Add(1) }

// Lobby holds the players of one game session. The players map is guarded by
// mu; per-player fields are atomic so score increments only take the read lock.
type Lobby struct {
	Code string

	mu       sync.RWMutex
	players  map[string]*Player // folded name -> player
	streamer atomic.Bool
}

func NewLobby(code string) *Lobby {
	return &Lobby{
		Code:    NormalizeCode(code),
		players: make(map[string]*Player),
	}
}

// NormalizeCode upper-cases and trims a lobby code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NameKey is the case-insensitive identity of a player name.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: player name is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return "", fmt.Errorf("%w: player name longer than %d characters", ErrValidation, MaxNameLen)
	}
	return name, nil
}

// Register upserts a player and marks it present. An existing player keeps
// its score and original spelling; only the role is updated.
func (l *Lobby) Register(name string, role Role) (*Player, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	key := NameKey(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.players[key]
	if !ok {
		p = &Player{name: name}
		l.players[key] = p
	}
	p.role.Store(role)
	p.present.Store(true)
	return p, nil
}

func (l *Lobby) Player(name string) (*Player, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.players[NameKey(name)]
	return p, ok
}

// IncrementScore bumps the named player's score and returns the new value.
func (l *Lobby) IncrementScore(name string) (int64, error) {
	p, ok := l.Player(name)
	if !ok {
		return 0, fmt.Errorf("player %q in lobby %s: %w", name, l.Code, ErrNotFound)
	}
	return p.Increment(), nil
}

// Leave marks the player absent. The record and its score stay.
func (l *Lobby) Leave(name string) error {
	p, ok := l.Player(name)
	if !ok {
		return fmt.Errorf("player %q in lobby %s: %w", name, l.Code, ErrNotFound)
	}
	p.present.Store(false)
	return nil
}

func (l *Lobby) SetStreamerPresent(present bool) { l.streamer.Store(present) }
func (l *Lobby) StreamerPresent() bool           { return l.streamer.Load() }

func (l *Lobby) Snapshot() types.LobbySnapshot {
	l.mu.RLock()
	players := make([]types.PlayerSnapshot, 0, len(l.players))
	for _, p := range l.players {
		players = append(players, types.PlayerSnapshot{
			Name:    p.Name(),
			Role:    string(p.Role()),
			Score:   p.Score(),
			Present: p.Present(),
		})
	}
	l.mu.RUnlock()

	slices.SortFunc(players, func(a, b types.PlayerSnapshot) int {
		return strings.Compare(NameKey(a.Name), NameKey(b.Name))
	})
	return types.LobbySnapshot{
		Code:            l.Code,
		StreamerPresent: l.StreamerPresent(),
		Players:         players,
	}
}
