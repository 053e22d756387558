package types

// LobbySnapshot:
//   code: string
//   streamerPresent: bool
//   players: [{ name, role: "host" | "player", score, present }] sorted by name

type LobbySnapshot struct {
	Code            string           `json:"code"`
	StreamerPresent bool             `json:"streamerPresent"`
	Players         []PlayerSnapshot `json:"players"`
}

type PlayerSnapshot struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Score   int64  `json:"score"`
	Present bool   `json:"present"`
}
