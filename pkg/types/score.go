package types

// Color is an averaged RGB sample, each channel 0-255.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Neutral grey, used when a torso region cannot be sampled.
var Gray = Color{R: 128, G: 128, B: 128}

// ShootRequest is the body of POST /api/game/{code}/shoot.
// TargetColor is informational; it never gates scoring.
type ShootRequest struct {
	PlayerName  string `json:"playerName"`
	TargetColor *Color `json:"targetColor,omitempty"`
}

type ShootResponse struct {
	Success bool   `json:"success"`
	Score   int64  `json:"score"`
	Message string `json:"message"`
}

type CreateGameRequest struct {
	HostName string `json:"hostName"`
}

type JoinRequest struct {
	PlayerName string `json:"playerName"`
}

type CodeResponse struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
