// Package arena runs one player's view of a game: camera frames through
// detection, trigger pulls through the shot resolver, and the peer
// connection that streams the camera to the control booth.
package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/config"
	"github.com/pewpew/arena-backend/internal/detect"
	"github.com/pewpew/arena-backend/internal/frameloop"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/internal/shooter"
	"github.com/pewpew/arena-backend/pkg/types"
)

// Status lines shown to the player.
const (
	StatusContacting     = "Contacting control booth..."
	StatusAwaitingBooth  = "Waiting for control booth..."
	StatusAwaitingAnswer = "Awaiting control booth response..."
	StatusOfferFailed    = "Unable to initiate stream. Retrying soon."
	StatusBoothConnected = "Control booth connected."
	StatusBoothLost      = "Waiting for control booth to reconnect..."
	StatusStreaming      = "Streaming to control booth"
	StatusConnecting     = "Connecting to control booth..."
	StatusPeerFailed     = "Connection failed. Retrying when booth is ready."
	StatusPeerLost       = "Disconnected from control booth."
	StatusSignalError    = "Signaling connection error. Retrying soon..."
	StatusSignalClosed   = "Signaling connection closed."
)

var ErrSignalingClosed = errors.New("signaling channel closed")

const leaveTimeout = time.Second

type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerFailed       PeerState = "failed"
	PeerDisconnected PeerState = "disconnected"
)

// PeerEvent is either a local ICE candidate to forward or a connection
// state change.
type PeerEvent struct {
	Candidate json.RawMessage
	State     PeerState
}

// PeerConnection is the WebRTC stack that carries the camera to the booth.
type PeerConnection interface {
	// CreateOffer also installs the offer as the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(ctx context.Context, answer json.RawMessage) error
	AddCandidate(ctx context.Context, candidate json.RawMessage) error
	Events() <-chan PeerEvent
	Close() error
}

type PeerFactory func(ctx context.Context) (PeerConnection, error)

type Camera interface {
	detect.FrameSource
	io.Closer
}

// Signaler is the player's signaling channel. *signalclient.Client
// implements it.
type Signaler interface {
	Register(ctx context.Context, code, name, role string) error
	Offer(ctx context.Context, sdp json.RawMessage) error
	Candidate(ctx context.Context, to string, candidate json.RawMessage) error
	Leave(ctx context.Context) error
	Messages() <-chan types.ServerEnvelope
	Close() error
}

type Options struct {
	Code string
	Name string

	Magazine      int
	Reload        time.Duration
	ReloadTick    time.Duration
	FrameInterval time.Duration
	MaxPoses      int
	Radii         detect.Radii
}

// OptionsFromConfig maps the arena tuning block onto session options.
func OptionsFromConfig(code, name string, a config.Arena) (Options, error) {
	radii, err := detect.NewRadii(a.ZoneRadii)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Code:          code,
		Name:          name,
		Magazine:      a.MagazineSize,
		Reload:        a.ReloadDuration(),
		ReloadTick:    a.ReloadTick(),
		FrameInterval: a.FrameInterval(),
		MaxPoses:      a.MaxPoses,
		Radii:         radii,
	}, nil
}

type Deps struct {
	Camera    Camera
	Estimator detect.Estimator
	Signaler  Signaler
	NewPeer   PeerFactory
	Scorer    shooter.Scorer
}

// View is a snapshot of what the player sees.
type View struct {
	Status        string
	StreamerReady bool
	Ammo          int
	Magazine      int
	Reloading     bool
	Progress      float64
	Countdown     int
	Score         int64
	LastShot      *shooter.Shot
}

type scoreResult struct {
	score int64
	err   error
}

// Session is one player in one lobby. Run drives it; Fire and View may be
// called from any goroutine.
type Session struct {
	opts Options
	deps Deps
	log  *zap.Logger

	pipeline *detect.Pipeline
	frames   *frameloop.Loop
	resolver *shooter.Resolver // owned by Run

	fireReq chan struct{}
	scores  chan scoreResult

	// owned by Run
	status        string
	streamerReady bool
	lastShot      *shooter.Shot
	peerEvents    <-chan PeerEvent

	mu   sync.Mutex
	peer PeerConnection

	view atomic.Pointer[View]

	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
	scoring   sync.WaitGroup
}

func New(opts Options, deps Deps, log *zap.Logger) (*Session, error) {
	switch {
	case opts.Code == "" || opts.Name == "":
		return nil, fmt.Errorf("arena session needs a lobby code and player name")
	case deps.Camera == nil, deps.Estimator == nil, deps.Signaler == nil, deps.NewPeer == nil, deps.Scorer == nil:
		return nil, fmt.Errorf("arena session: missing dependency")
	}
	if opts.ReloadTick <= 0 {
		opts.ReloadTick = 50 * time.Millisecond
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 16 * time.Millisecond
	}

	log = logging.OrNop(log).Named("arena").With(zap.String("lobby", opts.Code), zap.String("player", opts.Name))
	s := &Session{
		opts:     opts,
		deps:     deps,
		log:      log,
		pipeline: detect.NewPipeline(deps.Camera, deps.Estimator, detect.Options{MaxPoses: opts.MaxPoses, Radii: opts.Radii}, log),
		resolver: shooter.New(shooter.Options{Magazine: opts.Magazine, Reload: opts.Reload}),
		fireReq:  make(chan struct{}, 4),
		scores:   make(chan scoreResult, 8),
		closing:  make(chan struct{}),
	}
	s.frames = frameloop.New(opts.FrameInterval, s.pipeline.Step, func(err error) {
		log.Debug("detection step failed", zap.Error(err))
	})
	s.publish()
	return s, nil
}

// Fire queues a trigger pull. It returns false if the queue is full.
func (s *Session) Fire() bool {
	select {
	case s.fireReq <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) View() View { return *s.view.Load() }

// Frame is the latest detection result for overlays, or nil.
func (s *Session) Frame() *detect.Frame { return s.pipeline.Latest() }

// FrameStats reports detection loop health.
func (s *Session) FrameStats() frameloop.Stats { return s.frames.Stats() }

// Run registers with the relay and processes events until ctx is done, the
// session is closed, or the signaling channel ends. Resources are released
// on every return path.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.frames.Start(ctx); err != nil {
		return err
	}

	s.setStatus(StatusContacting)
	if err := s.deps.Signaler.Register(ctx, s.opts.Code, s.opts.Name, types.RolePlayer); err != nil {
		s.setStatus(StatusSignalError)
		return fmt.Errorf("register: %w", err)
	}

	reload := time.NewTicker(s.opts.ReloadTick)
	defer reload.Stop()

	msgs := s.deps.Signaler.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.closing:
			return nil

		case <-s.fireReq:
			s.fire(ctx)

		case now := <-reload.C:
			if s.resolver.Reloading() {
				s.resolver.Advance(now)
				s.publish()
			}

		case res := <-s.scores:
			if res.err != nil {
				s.log.Warn("score not recorded", zap.Error(res.err))
				continue
			}
			// Server totals only grow; an older reply arriving late is ignored.
			if res.score > s.resolver.Score() {
				s.resolver.ApplyScore(res.score)
				s.publish()
			}

		case env, ok := <-msgs:
			if !ok {
				select {
				case <-s.closing:
					return nil
				default:
				}
				s.setStatus(StatusSignalClosed)
				s.closePeer()
				return ErrSignalingClosed
			}
			s.handleSignal(ctx, env)

		case ev, ok := <-s.peerEvents:
			if !ok {
				s.peerEvents = nil
				continue
			}
			s.handlePeer(ctx, ev)
		}
	}
}

func (s *Session) fire(ctx context.Context) {
	shot := s.resolver.Fire(time.Now(), s.pipeline.Latest())
	if !shot.Fired {
		return
	}
	s.lastShot = &shot
	s.publish()
	if !shot.Hit {
		return
	}

	s.log.Debug("hit", zap.String("zone", shot.Zone), zap.Uint64("frame", shot.Seq))
	s.scoring.Add(1)
	go func() {
		defer s.scoring.Done()
		score, err := s.deps.Scorer.Score(ctx, s.opts.Code, s.opts.Name, shot.Target)
		select {
		case s.scores <- scoreResult{score: score, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleSignal(ctx context.Context, env types.ServerEnvelope) {
	switch env.Type {
	case types.MsgRegistered:
		if env.StreamerReady != nil && *env.StreamerReady {
			s.startStreaming(ctx)
			return
		}
		s.setStatus(StatusAwaitingBooth)

	case types.MsgStreamerReady:
		s.startStreaming(ctx)

	case types.MsgStreamerDisconnected:
		s.streamerReady = false
		s.closePeer()
		s.setStatus(StatusBoothLost)

	case types.MsgAnswer:
		pc := s.currentPeer()
		if pc == nil {
			return
		}
		if err := pc.SetRemoteDescription(ctx, env.Answer); err != nil {
			s.log.Warn("apply answer", zap.Error(err))
			return
		}
		s.setStatus(StatusBoothConnected)

	case types.MsgCandidate:
		pc := s.currentPeer()
		if pc == nil || len(env.Candidate) == 0 {
			return
		}
		if err := pc.AddCandidate(ctx, env.Candidate); err != nil {
			s.log.Debug("add remote candidate", zap.Error(err))
		}

	case types.MsgError:
		s.setStatus(env.Message)
	}
}

func (s *Session) handlePeer(ctx context.Context, ev PeerEvent) {
	if len(ev.Candidate) > 0 {
		if err := s.deps.Signaler.Candidate(ctx, "", ev.Candidate); err != nil {
			s.log.Debug("send local candidate", zap.Error(err))
		}
	}
	switch ev.State {
	case PeerConnected:
		s.setStatus(StatusStreaming)
	case PeerConnecting:
		s.setStatus(StatusConnecting)
	case PeerFailed:
		s.setStatus(StatusPeerFailed)
	case PeerDisconnected:
		s.setStatus(StatusPeerLost)
	}
}

// startStreaming creates the peer connection if needed and sends an offer.
func (s *Session) startStreaming(ctx context.Context) {
	s.streamerReady = true

	pc := s.currentPeer()
	if pc == nil {
		var err error
		if pc, err = s.deps.NewPeer(ctx); err != nil {
			s.log.Warn("create peer connection", zap.Error(err))
			s.setStatus(StatusOfferFailed)
			return
		}
		s.mu.Lock()
		s.peer = pc
		s.mu.Unlock()
		s.peerEvents = pc.Events()
	}

	offer, err := pc.CreateOffer(ctx)
	if err == nil {
		err = s.deps.Signaler.Offer(ctx, offer)
	}
	if err != nil {
		s.log.Warn("send offer", zap.Error(err))
		s.setStatus(StatusOfferFailed)
		return
	}
	s.setStatus(StatusAwaitingAnswer)
}

func (s *Session) currentPeer() PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) closePeer() error {
	s.mu.Lock()
	pc := s.peer
	s.peer = nil
	s.mu.Unlock()
	s.peerEvents = nil
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (s *Session) setStatus(status string) {
	s.status = status
	s.publish()
}

func (s *Session) publish() {
	r := s.resolver
	s.view.Store(&View{
		Status:        s.status,
		StreamerReady: s.streamerReady,
		Ammo:          r.Ammo(),
		Magazine:      r.Magazine(),
		Reloading:     r.Reloading(),
		Progress:      r.Progress(),
		Countdown:     r.Countdown(),
		Score:         r.Score(),
		LastShot:      s.lastShot,
	})
}

// Close sends a best-effort leave, then releases the signaling channel, the
// peer connection and the camera. A lost leave never blocks the rest.
// Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.frames.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := s.deps.Signaler.Leave(ctx); err != nil {
			s.log.Debug("leave not delivered", zap.Error(err))
		}
		cancel()

		var peerErr error
		s.mu.Lock()
		pc := s.peer
		s.peer = nil
		s.mu.Unlock()
		if pc != nil {
			peerErr = pc.Close()
		}

		s.closeErr = multierr.Combine(
			wrap("close signaling", s.deps.Signaler.Close()),
			wrap("close peer", peerErr),
			wrap("release camera", s.deps.Camera.Close()),
		)
		if s.closeErr != nil {
			s.log.Warn("session release", zap.Error(s.closeErr))
		}
		s.scoring.Wait()
	})
	return s.closeErr
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
