package arena

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/pewpew/arena-backend/internal/config"
	"github.com/pewpew/arena-backend/internal/detect"
	"github.com/pewpew/arena-backend/pkg/types"
)

// ---- fakes ----

type fakeCamera struct {
	img    image.Image
	closed atomic.Int32
	err    error
}

func (c *fakeCamera) Frame() (image.Image, bool) { return c.img, c.img != nil }

func (c *fakeCamera) Close() error {
	c.closed.Add(1)
	return c.err
}

type fakeEstimator struct{ poses []detect.Pose }

func (e *fakeEstimator) Estimate(context.Context, image.Image, time.Duration) ([]detect.Pose, error) {
	return e.poses, nil
}

type fakeSignaler struct {
	in        chan types.ServerEnvelope
	sent      chan types.ClientEnvelope
	leaveErr  error
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{in: make(chan types.ServerEnvelope, 16), sent: make(chan types.ClientEnvelope, 64)}
}

func (f *fakeSignaler) record(env types.ClientEnvelope) error {
	if f.closed.Load() {
		return errors.New("closed")
	}
	f.sent <- env
	return nil
}

func (f *fakeSignaler) Register(_ context.Context, code, name, role string) error {
	return f.record(types.ClientEnvelope{Type: types.MsgRegister, Code: code, Name: name, Role: role})
}
func (f *fakeSignaler) Offer(_ context.Context, sdp json.RawMessage) error {
	return f.record(types.ClientEnvelope{Type: types.MsgOffer, Offer: sdp})
}
func (f *fakeSignaler) Candidate(_ context.Context, _ string, c json.RawMessage) error {
	return f.record(types.ClientEnvelope{Type: types.MsgCandidate, Candidate: c})
}
func (f *fakeSignaler) Leave(context.Context) error {
	if f.leaveErr != nil {
		return f.leaveErr
	}
	return f.record(types.ClientEnvelope{Type: types.MsgLeave})
}
func (f *fakeSignaler) Messages() <-chan types.ServerEnvelope { return f.in }
func (f *fakeSignaler) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		close(f.in)
	})
	return nil
}

type fakePeer struct {
	id      int
	events  chan PeerEvent
	remote  chan json.RawMessage
	cands   chan json.RawMessage
	closed  atomic.Bool
	closeEr error
}

func (p *fakePeer) CreateOffer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"peer-` + string(rune('0'+p.id)) + `"}`), nil
}
func (p *fakePeer) SetRemoteDescription(_ context.Context, a json.RawMessage) error {
	p.remote <- a
	return nil
}
func (p *fakePeer) AddCandidate(_ context.Context, c json.RawMessage) error {
	p.cands <- c
	return nil
}
func (p *fakePeer) Events() <-chan PeerEvent { return p.events }
func (p *fakePeer) Close() error {
	p.closed.Store(true)
	return p.closeEr
}

type peers struct {
	mu  sync.Mutex
	all []*fakePeer
}

func (ps *peers) factory(context.Context) (PeerConnection, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &fakePeer{
		id:     len(ps.all) + 1,
		events: make(chan PeerEvent, 8),
		remote: make(chan json.RawMessage, 8),
		cands:  make(chan json.RawMessage, 8),
	}
	ps.all = append(ps.all, p)
	return p, nil
}

func (ps *peers) get(i int) *fakePeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if i >= len(ps.all) {
		return nil
	}
	return ps.all[i]
}

type fakeScorer struct {
	mu     sync.Mutex
	colors []types.Color
}

func (f *fakeScorer) Score(_ context.Context, _, _ string, c types.Color) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colors = append(f.colors, c)
	return int64(len(f.colors)), nil
}

func (f *fakeScorer) calls() []types.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Color(nil), f.colors...)
}

// ---- helpers ----

// centred is a standing pose whose core zone covers the frame centre.
func centred() detect.Pose {
	p := make(detect.Pose, detect.NumLandmarks)
	for i := range p {
		p[i] = detect.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	p[detect.Nose] = detect.Landmark{X: 0.5, Y: 0.25, Visibility: 1}
	p[detect.LeftShoulder] = detect.Landmark{X: 0.4, Y: 0.4, Visibility: 1}
	p[detect.RightShoulder] = detect.Landmark{X: 0.6, Y: 0.4, Visibility: 1}
	p[detect.LeftHip] = detect.Landmark{X: 0.42, Y: 0.7, Visibility: 1}
	p[detect.RightHip] = detect.Landmark{X: 0.58, Y: 0.7, Visibility: 1}
	return p
}

func redFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 255, A: 255}), image.Point{}, draw.Src)
	return img
}

type rig struct {
	s      *Session
	cam    *fakeCamera
	sig    *fakeSignaler
	peers  *peers
	scorer *fakeScorer
	cancel context.CancelFunc
	runErr chan error
}

func start(t *testing.T, opts Options, poses []detect.Pose) *rig {
	t.Helper()
	if opts.Code == "" {
		opts.Code, opts.Name = "AB12", "Ann"
	}
	if opts.FrameInterval == 0 {
		opts.FrameInterval = 2 * time.Millisecond
	}
	if opts.ReloadTick == 0 {
		opts.ReloadTick = 5 * time.Millisecond
	}
	r := &rig{
		cam:    &fakeCamera{img: redFrame()},
		sig:    newFakeSignaler(),
		peers:  &peers{},
		scorer: &fakeScorer{},
		runErr: make(chan error, 1),
	}
	s, err := New(opts, Deps{
		Camera:    r.cam,
		Estimator: &fakeEstimator{poses: poses},
		Signaler:  r.sig,
		NewPeer:   r.peers.factory,
		Scorer:    r.scorer,
	}, nil)
	require.NoError(t, err)
	r.s = s

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() { r.runErr <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})

	reg := r.expectSent(t)
	require.Equal(t, types.MsgRegister, reg.Type)
	require.Equal(t, types.RolePlayer, reg.Role)
	return r
}

func (r *rig) expectSent(t *testing.T) types.ClientEnvelope {
	t.Helper()
	select {
	case env := <-r.sig.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound envelope")
		return types.ClientEnvelope{}
	}
}

func (r *rig) push(env types.ServerEnvelope) { r.sig.in <- env }

func (r *rig) waitStatus(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return r.s.View().Status == want },
		2*time.Second, time.Millisecond, "status never became %q (is %q)", want, r.s.View().Status)
}

func (r *rig) waitRun(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func ready(b bool) *bool { return &b }

// ---- tests ----

func TestSession_NegotiatesWhenStreamerArrives(t *testing.T) {
	r := start(t, Options{}, nil)

	r.push(types.ServerEnvelope{Type: types.MsgRegistered, Role: types.RolePlayer, StreamerReady: ready(false)})
	r.waitStatus(t, StatusAwaitingBooth)
	assert.Nil(t, r.peers.get(0), "no peer before the booth is ready")

	r.push(types.ServerEnvelope{Type: types.MsgStreamerReady})
	offer := r.expectSent(t)
	assert.Equal(t, types.MsgOffer, offer.Type)
	assert.JSONEq(t, `{"type":"offer","sdp":"peer-1"}`, string(offer.Offer))
	r.waitStatus(t, StatusAwaitingAnswer)
	assert.True(t, r.s.View().StreamerReady)

	pc := r.peers.get(0)
	require.NotNil(t, pc)

	r.push(types.ServerEnvelope{Type: types.MsgAnswer, Answer: json.RawMessage(`{"sdp":"ans"}`)})
	select {
	case a := <-pc.remote:
		assert.JSONEq(t, `{"sdp":"ans"}`, string(a))
	case <-time.After(2 * time.Second):
		t.Fatalf("answer not applied")
	}
	r.waitStatus(t, StatusBoothConnected)

	r.push(types.ServerEnvelope{Type: types.MsgCandidate, Candidate: json.RawMessage(`{"c":1}`)})
	select {
	case <-pc.cands:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote candidate not added")
	}

	pc.events <- PeerEvent{Candidate: json.RawMessage(`{"c":2}`)}
	local := r.expectSent(t)
	assert.Equal(t, types.MsgCandidate, local.Type)
	assert.JSONEq(t, `{"c":2}`, string(local.Candidate))

	pc.events <- PeerEvent{State: PeerConnected}
	r.waitStatus(t, StatusStreaming)
	pc.events <- PeerEvent{State: PeerFailed}
	r.waitStatus(t, StatusPeerFailed)
}

func TestSession_RegisteredWithStreamerOffersImmediately(t *testing.T) {
	r := start(t, Options{}, nil)
	r.push(types.ServerEnvelope{Type: types.MsgRegistered, StreamerReady: ready(true)})
	assert.Equal(t, types.MsgOffer, r.expectSent(t).Type)
}

func TestSession_StreamerDisconnectResetsPeer(t *testing.T) {
	r := start(t, Options{}, nil)
	r.push(types.ServerEnvelope{Type: types.MsgStreamerReady})
	r.expectSent(t)
	first := r.peers.get(0)

	r.push(types.ServerEnvelope{Type: types.MsgStreamerDisconnected})
	r.waitStatus(t, StatusBoothLost)
	assert.True(t, first.closed.Load())
	assert.False(t, r.s.View().StreamerReady)

	// answers for a peer that is gone are ignored
	r.push(types.ServerEnvelope{Type: types.MsgAnswer, Answer: json.RawMessage(`{}`)})

	r.push(types.ServerEnvelope{Type: types.MsgStreamerReady})
	offer := r.expectSent(t)
	assert.JSONEq(t, `{"type":"offer","sdp":"peer-2"}`, string(offer.Offer))
	assert.Empty(t, first.remote)
}

func TestSession_ErrorMessageBecomesStatus(t *testing.T) {
	r := start(t, Options{}, nil)
	r.push(types.Error("lobby not found"))
	r.waitStatus(t, "lobby not found")
}

func TestSession_FireScoresHit(t *testing.T) {
	r := start(t, Options{}, []detect.Pose{centred()})
	require.Eventually(t, func() bool { return r.s.Frame() != nil }, 2*time.Second, time.Millisecond)

	require.True(t, r.s.Fire())
	require.Eventually(t, func() bool { return r.s.View().Score == 1 }, 2*time.Second, time.Millisecond)

	v := r.s.View()
	assert.Equal(t, 4, v.Ammo)
	require.NotNil(t, v.LastShot)
	assert.True(t, v.LastShot.Hit)
	assert.Equal(t, "core", v.LastShot.Zone)
	assert.Equal(t, []types.Color{{R: 255}}, r.scorer.calls())
}

func TestSession_MissDoesNotScore(t *testing.T) {
	r := start(t, Options{}, nil)
	require.True(t, r.s.Fire())
	require.Eventually(t, func() bool { return r.s.View().Ammo == 4 }, 2*time.Second, time.Millisecond)

	v := r.s.View()
	require.NotNil(t, v.LastShot)
	assert.False(t, v.LastShot.Hit)
	assert.Empty(t, r.scorer.calls())
}

func TestSession_ReloadCycle(t *testing.T) {
	r := start(t, Options{Magazine: 2, Reload: 150 * time.Millisecond}, nil)

	r.s.Fire()
	r.s.Fire()
	require.Eventually(t, func() bool { return r.s.View().Reloading }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, r.s.View().Ammo)

	// firing while reloading is ignored
	r.s.Fire()

	require.Eventually(t, func() bool {
		v := r.s.View()
		return !v.Reloading && v.Ammo == 2
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, r.s.View().Progress)
}

func TestSession_CancelReleasesEverything(t *testing.T) {
	r := start(t, Options{}, nil)
	r.push(types.ServerEnvelope{Type: types.MsgStreamerReady})
	r.expectSent(t)
	pc := r.peers.get(0)

	r.cancel()
	require.NoError(t, r.waitRun(t))

	assert.Equal(t, types.MsgLeave, r.expectSent(t).Type)
	assert.True(t, r.sig.closed.Load())
	assert.True(t, pc.closed.Load())
	assert.Equal(t, int32(1), r.cam.closed.Load())

	require.NoError(t, r.s.Close())
	assert.Equal(t, int32(1), r.cam.closed.Load(), "Close is idempotent")
}

func TestSession_LostLeaveStillReleases(t *testing.T) {
	r := start(t, Options{}, nil)
	r.sig.leaveErr = errors.New("socket gone")

	require.NoError(t, r.s.Close())
	require.NoError(t, r.waitRun(t))
	assert.True(t, r.sig.closed.Load())
	assert.Equal(t, int32(1), r.cam.closed.Load())
}

func TestSession_ReleaseErrorsAreAggregated(t *testing.T) {
	r := start(t, Options{}, nil)
	r.push(types.ServerEnvelope{Type: types.MsgStreamerReady})
	r.expectSent(t)
	r.peers.get(0).closeEr = errors.New("ice teardown")
	r.cam.err = errors.New("device busy")

	err := r.s.Close()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "device busy")
	assert.Contains(t, err.Error(), "ice teardown")
}

func TestSession_SignalingDropEndsRun(t *testing.T) {
	r := start(t, Options{}, nil)
	r.sig.closeOnce.Do(func() { close(r.sig.in) })

	err := r.waitRun(t)
	require.ErrorIs(t, err, ErrSignalingClosed)
	assert.Equal(t, int32(1), r.cam.closed.Load())
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Options{Code: "AB12", Name: "Ann"}, Deps{}, nil)
	require.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	a := config.DefaultArena()
	a.ZoneRadii = map[string]float64{"head": 40}
	opts, err := OptionsFromConfig("AB12", "Ann", a)
	require.NoError(t, err)
	assert.Equal(t, 5, opts.Magazine)
	assert.Equal(t, 3*time.Second, opts.Reload)
	assert.Equal(t, 50*time.Millisecond, opts.ReloadTick)
	assert.Equal(t, 16*time.Millisecond, opts.FrameInterval)
	assert.Equal(t, 40.0, opts.Radii[detect.KindHead])

	a.ZoneRadii = map[string]float64{"tail": 1}
	_, err = OptionsFromConfig("AB12", "Ann", a)
	require.Error(t, err)
}
