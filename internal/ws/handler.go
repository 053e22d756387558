package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/internal/signaling"
)

const (
	writeTimeout      = 3 * time.Second
	disconnectTimeout = 3 * time.Second
	readLimit         = 1 << 16 // SDP blobs run a few KB
)

type Options struct {
	// ReadTimeout closes a channel that stays silent this long. Zero disables it.
	ReadTimeout    time.Duration
	OriginPatterns []string
}

// Handler upgrades to a WebSocket and binds it to a relay connection for its
// whole lifetime.
func Handler(relay *signaling.Relay, opts Options, log *zap.Logger) http.HandlerFunc {
	log = logging.OrNop(log).Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(readLimit)

		c := signaling.NewConn()
		log.Debug("signaling channel open", zap.String("conn", c.ID()), zap.String("remote", r.RemoteAddr))

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			relay.Disconnect(ctx, c)
			log.Debug("signaling channel closed", zap.String("conn", c.ID()))
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case env := <-c.Outbox():
					payload, err := json.Marshal(env)
					if err != nil {
						log.Error("marshal envelope", zap.Error(err))
						continue
					}
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					err = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
					if err != nil {
						c.Close("write failed")
						_ = conn.CloseNow()
						return
					}

				case <-c.Done():
					// Superseded, dropped as slow, or relay shutdown.
					_ = conn.Close(websocket.StatusNormalClosure, c.CloseReason())
					return

				case <-writeCtx.Done():
					return
				}
			}
		}()

		// Reader loop
		for {
			ctx, cancel := readContext(r.Context(), opts.ReadTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if !errors.Is(err, context.Canceled) {
						log.Debug("read failed", zap.String("conn", c.ID()), zap.Error(err))
					}
				}
				return
			}

			if err := relay.HandleRaw(r.Context(), c, data); err != nil {
				return
			}
		}
	}
}

func readContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
