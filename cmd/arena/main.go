// Command arena is a headless player client. It replays camera frames from
// a directory, runs pose estimation in a worker process, and fires one shot
// per line read from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pewpew/arena-backend/internal/arena"
	"github.com/pewpew/arena-backend/internal/camera"
	"github.com/pewpew/arena-backend/internal/config"
	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/internal/poseworker"
	"github.com/pewpew/arena-backend/internal/scoreclient"
	"github.com/pewpew/arena-backend/internal/signalclient"
)

var (
	serverURL  = flag.String("server", "http://localhost:8080", "arena server base URL")
	code       = flag.String("code", "", "lobby code")
	name       = flag.String("name", "", "player name")
	framesDir  = flag.String("frames", "", "directory of .png/.jpg frames to replay")
	fps        = flag.Float64("fps", 30, "replay frame rate")
	workerPath = flag.String("worker", "", "pose worker executable")
	workerArgs = flag.String("worker-args", "", "space separated worker arguments")
)

// errNoMedia is returned by the peer factory: this client has no WebRTC
// stack, so it plays without streaming to the booth.
var errNoMedia = errors.New("headless client has no media stack")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	player, err := lobby.ValidateName(*name)
	if err != nil {
		return err
	}
	if *code == "" || *framesDir == "" || *workerPath == "" {
		return fmt.Errorf("-code, -frames and -worker are required")
	}
	opts, err := arena.OptionsFromConfig(lobby.NormalizeCode(*code), player, cfg.Arena)
	if err != nil {
		return err
	}
	signalURL, err := signalingURL(*serverURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cam, err := camera.OpenDir(*framesDir, *fps)
	if err != nil {
		return err
	}
	est, err := poseworker.Spawn(ctx, poseworker.ProcessOptions{
		Path: *workerPath,
		Args: strings.Fields(*workerArgs),
	}, poseworker.Options{MaxPoses: cfg.Arena.MaxPoses}, log)
	if err != nil {
		_ = cam.Close()
		return err
	}
	defer est.Close()

	sig, err := signalclient.Dial(ctx, signalURL, log)
	if err != nil {
		_ = cam.Close()
		return err
	}

	session, err := arena.New(opts, arena.Deps{
		Camera:    cam,
		Estimator: est,
		Signaler:  sig,
		NewPeer:   func(context.Context) (arena.PeerConnection, error) { return nil, errNoMedia },
		Scorer:    scoreclient.New(*serverURL, nil),
	}, log)
	if err != nil {
		_ = sig.Close()
		_ = cam.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return session.Run(gctx)
	})
	go triggers(session)
	g.Go(func() error {
		report(gctx, session, log)
		return nil
	})
	return g.Wait()
}

// triggers fires once per stdin line. It ends with stdin; the process does
// not wait for it.
func triggers(s *arena.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		s.Fire()
	}
}

func report(ctx context.Context, s *arena.Session, log *zap.Logger) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	var last arena.View
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			v := s.View()
			if v.Status == last.Status && v.Ammo == last.Ammo && v.Score == last.Score && v.Countdown == last.Countdown {
				continue
			}
			last = v
			fields := []zap.Field{
				zap.String("status", v.Status),
				zap.Int("ammo", v.Ammo),
				zap.Int64("score", v.Score),
				zap.Uint64("skipped_frames", s.FrameStats().Skipped),
			}
			if v.Reloading {
				fields = append(fields, zap.Int("reload_in_s", v.Countdown))
			}
			if f := s.Frame(); f != nil {
				fields = append(fields, zap.Int("people", len(f.People)))
			}
			log.Info("arena", fields...)
		}
	}
}

// signalingURL maps http(s)://host to ws(s)://host/api/signaling.
func signalingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url must be http or https, got %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/signaling"
	return u.String(), nil
}
