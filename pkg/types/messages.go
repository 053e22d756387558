package types

import "encoding/json"

// Client -> Relay
//   register:  code, name, role ("streamer" | "player")
//   offer:     code, name, offer            (player only)
//   answer:    code, name, answer           (active streamer only; name = target player)
//   candidate: code, name, candidate        (from a streamer, name = target player)
//   leave:     code, name
//
// Relay -> Client
//   registered:            role, streamerReady
//   streamer-ready
//   streamer-disconnected
//   offer:                 name, offer      (to the streamer; name = sending player)
//   answer:                name, answer
//   candidate:             name, candidate
//   error:                 message
//
// offer/answer/candidate payloads are opaque WebRTC session JSON and are
// passed through untouched.

const (
	MsgRegister   = "register"
	MsgOffer      = "offer"
	MsgAnswer     = "answer"
	MsgCandidate  = "candidate"
	MsgLeave      = "leave"
	MsgRegistered = "registered"
	MsgError      = "error"

	MsgStreamerReady        = "streamer-ready"
	MsgStreamerDisconnected = "streamer-disconnected"
)

const (
	RoleStreamer = "streamer"
	RolePlayer   = "player"
)

type ClientEnvelope struct {
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	Name      string          `json:"name,omitempty"`
	Role      string          `json:"role,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ServerEnvelope struct {
	Type          string          `json:"type"`
	Role          string          `json:"role,omitempty"`
	StreamerReady *bool           `json:"streamerReady,omitempty"`
	Name          string          `json:"name,omitempty"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func Registered(role string, streamerReady bool) ServerEnvelope {
	return ServerEnvelope{Type: MsgRegistered, Role: role, StreamerReady: &streamerReady}
}

func Error(message string) ServerEnvelope {
	return ServerEnvelope{Type: MsgError, Message: message}
}
