package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/hub"
	"github.com/pewpew/arena-backend/internal/logging"
	"github.com/pewpew/arena-backend/internal/signaling"
	"github.com/pewpew/arena-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, relay *signaling.Relay, wsOpts ws.Options, log *zap.Logger) http.Handler {
	log = logging.OrNop(log).Named("http")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/lobbies", CreateLobby(h))
	r.Get("/healthz", Healthz)

	r.Route("/api/game", func(r chi.Router) {
		r.Post("/create", CreateGame(h, log))
		r.Get("/{code}", GetLobby(h))
		r.Post("/{code}/join", JoinLobby(h))
		r.Post("/{code}/shoot", Shoot(h, log))
	})

	signal := ws.Handler(relay, wsOpts, log)
	r.Get("/api/signaling", signal)
	r.Get("/ws", signal)
	return r
}
