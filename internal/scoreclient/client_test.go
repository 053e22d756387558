package scoreclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpew/arena-backend/internal/hub"
	"github.com/pewpew/arena-backend/internal/httpapi"
	"github.com/pewpew/arena-backend/internal/lobby"
	"github.com/pewpew/arena-backend/internal/signaling"
	"github.com/pewpew/arena-backend/internal/ws"
	"github.com/pewpew/arena-backend/pkg/types"
)

// newServer runs the real HTTP API against an in-memory hub.
func newServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx, nil)
	relay := signaling.NewRelay(ctx, h, signaling.Options{AutoCreateLobby: true}, nil)
	srv := httptest.NewServer(httpapi.SetupRoutes(h, relay, ws.Options{}, nil))
	t.Cleanup(func() {
		srv.Close()
		relay.Close()
		cancel()
	})
	return srv, h
}

func TestScore_AgainstServer(t *testing.T) {
	srv, h := newServer(t)
	ctx := context.Background()

	_, err := h.EnsureLobby(ctx, "AB12")
	require.NoError(t, err)
	require.NoError(t, h.RegisterPlayer(ctx, "AB12", "Ann", lobby.RolePlayer))

	c := New(srv.URL+"/", nil)
	for want := int64(1); want <= 3; want++ {
		got, err := c.Score(ctx, "ab12", "Ann", types.Color{R: 200})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestScore_UnknownLobbyIsRejected(t *testing.T) {
	srv, _ := newServer(t)
	c := New(srv.URL, nil)

	_, err := c.Score(context.Background(), "ZZZZ", "Ann", types.Gray)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "500")
}

func TestScore_SendsColorAndName(t *testing.T) {
	var got types.ShootRequest
	r := chi.NewRouter()
	r.Post("/api/game/{code}/shoot", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "AB12", chi.URLParam(req, "code"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(types.ShootResponse{Success: true, Score: 9, Message: "Hit registered!"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	score, err := New(srv.URL, nil).Score(context.Background(), "AB12", "Bo", types.Color{R: 1, G: 2, B: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(9), score)
	assert.Equal(t, "Bo", got.PlayerName)
	require.NotNil(t, got.TargetColor)
	assert.Equal(t, types.Color{R: 1, G: 2, B: 3}, *got.TargetColor)
}

func TestScore_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Score(context.Background(), "AB12", "Bo", types.Gray)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "502")
}
