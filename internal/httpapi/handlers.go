package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/hub"
	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/pkg/types"
)

const maxBodyBytes = 1 << 14

func CreateLobby(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := h.CreateLobby(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create lobby")
			return
		}
		writeJSON(w, http.StatusCreated, types.CodeResponse{Code: code})
	}
}

// CreateGame creates a lobby and registers the caller as its host.
func CreateGame(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateGameRequest
		if !decode(w, r, &req) {
			return
		}
		name, err := lobby.ValidateName(req.HostName)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Host name is required")
			return
		}

		code, err := h.CreateLobby(r.Context())
		if err != nil {
			log.Error("create lobby", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Unable to create game.")
			return
		}
		if err := h.RegisterPlayer(r.Context(), code, name, lobby.RoleHost); err != nil {
			log.Error("register host", zap.String("lobby", code), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Unable to create game.")
			return
		}
		writeJSON(w, http.StatusCreated, types.CodeResponse{Code: code})
	}
}

func JoinLobby(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		var req types.JoinRequest
		if !decode(w, r, &req) {
			return
		}

		err := h.RegisterPlayer(r.Context(), code, req.PlayerName, lobby.RolePlayer)
		switch {
		case errors.Is(err, lobby.ErrValidation):
			writeError(w, http.StatusBadRequest, "Player name is required")
			return
		case errors.Is(err, lobby.ErrNotFound):
			writeError(w, http.StatusNotFound, "Game not found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "Unable to join game.")
			return
		}

		snap, err := h.Snapshot(r.Context(), code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Unable to join game.")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func GetLobby(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := h.Snapshot(r.Context(), chi.URLParam(r, "code"))
		if errors.Is(err, lobby.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Game not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Unable to load game.")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// Shoot is the scoring boundary. Every accepted call is one point; the
// target colour is recorded but never checked.
func Shoot(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		var req types.ShootRequest
		if !decode(w, r, &req) {
			return
		}
		if req.PlayerName == "" {
			writeError(w, http.StatusBadRequest, "Player name is required")
			return
		}

		score, err := h.IncrementScore(r.Context(), code, req.PlayerName)
		if err != nil {
			log.Warn("shot rejected",
				zap.String("lobby", code), zap.String("player", req.PlayerName), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to register shot")
			return
		}

		fields := []zap.Field{zap.String("lobby", code), zap.String("player", req.PlayerName), zap.Int64("score", score)}
		if c := req.TargetColor; c != nil {
			fields = append(fields, zap.Uint8s("target_rgb", []uint8{c.R, c.G, c.B}))
		}
		log.Debug("hit registered", fields...)

		writeJSON(w, http.StatusOK, types.ShootResponse{Success: true, Score: score, Message: "Hit registered!"})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: message})
}
