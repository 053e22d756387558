package lobby

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_CaseInsensitiveUpsert(t *testing.T) {
	l := NewLobby("ab12")
	require.Equal(t, "AB12", l.Code)

	p1, err := l.Register("Ann", RolePlayer)
	require.NoError(t, err)
	p1.Increment()

	p2, err := l.Register("  ANN ", RoleHost)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, "Ann", p2.Name())
	assert.Equal(t, RoleHost, p2.Role())
	assert.Equal(t, int64(1), p2.Score(), "re-registering must keep the score")
	assert.Len(t, l.Snapshot().Players, 1)
}

func TestRegister_RejectsBadNames(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "blank", input: "   "},
		{name: "too long", input: "abcdefghijklmnopqrstuvwxy"},
	}

	l := NewLobby("AB12")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Register(tc.input, RolePlayer)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("want ErrValidation, got %v", err)
			}
		})
	}
	assert.Empty(t, l.Snapshot().Players)
}

func TestIncrementScore_UnknownPlayer(t *testing.T) {
	l := NewLobby("AB12")
	_, err := l.IncrementScore("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLeave_KeepsScore(t *testing.T) {
	l := NewLobby("AB12")
	_, err := l.Register("Bo", RolePlayer)
	require.NoError(t, err)
	_, err = l.IncrementScore("bo")
	require.NoError(t, err)

	require.NoError(t, l.Leave("BO"))

	snap := l.Snapshot()
	require.Len(t, snap.Players, 1)
	assert.False(t, snap.Players[0].Present)
	assert.Equal(t, int64(1), snap.Players[0].Score)
}

func TestIncrementScore_ConcurrentSameKey(t *testing.T) {
	l := NewLobby("AB12")
	_, err := l.Register("Ann", RolePlayer)
	require.NoError(t, err)

	const n = 200
	results := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.IncrementScore("Ann")
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, v := range results {
		assert.False(t, seen[v], "duplicate score %d", v)
		seen[v] = true
	}
	p, _ := l.Player("ann")
	assert.Equal(t, int64(n), p.Score())
}

func TestSnapshot_SortedByName(t *testing.T) {
	l := NewLobby("CD34")
	for _, name := range []string{"zed", "Bo", "ann"} {
		_, err := l.Register(name, RolePlayer)
		require.NoError(t, err)
	}
	l.SetStreamerPresent(true)

	snap := l.Snapshot()
	assert.True(t, snap.StreamerPresent)
	names := []string{snap.Players[0].Name, snap.Players[1].Name, snap.Players[2].Name}
	assert.Equal(t, []string{"ann", "Bo", "zed"}, names)
}
