package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pewpew/arena-backend/internal/config"
	"github.com/pewpew/arena-backend/internal/httpapi"
	"github.com/pewpew/arena-backend/internal/hub"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/internal/signaling"
	"github.com/pewpew/arena-backend/internal/ws"
)

func main() {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.NewHub(ctx, log)
	relay := signaling.NewRelay(ctx, h, signaling.Options{AutoCreateLobby: cfg.AutoCreateLobby}, log)

	// Build the router *with* the hub and relay injected
	handler := httpapi.SetupRoutes(h, relay, ws.Options{
		ReadTimeout:    cfg.SignalReadTimeout,
		OriginPatterns: cfg.AllowedOrigins,
	}, log)
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		relay.Close()
		h.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
