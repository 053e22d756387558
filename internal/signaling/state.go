package signaling

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal transition")

type PeerState string

const (
	StateAwaitingStreamer PeerState = "awaiting-streamer"
	StateNegotiating      PeerState = "negotiating"
	StateLinked           PeerState = "linked"
)

type Event string

const (
	EvtOfferSent      Event = "OfferSent"
	EvtAnswerReceived Event = "AnswerReceived"
	EvtStreamerLost   Event = "StreamerLost"
)

/*
	AwaitingStreamer --OfferSent--> Negotiating --AnswerReceived--> Linked
	Negotiating      --OfferSent--> Negotiating   (pending offer overwritten)
	Linked           --OfferSent--> Negotiating   (renegotiation)
	any              --StreamerLost--> AwaitingStreamer
*/

// Apply returns the player state after evt, or ErrIllegalTransition with s unchanged.
func Apply(s PeerState, evt Event) (PeerState, error) {
	switch evt {
	case EvtOfferSent:
		return StateNegotiating, nil

	case EvtAnswerReceived:
		if s != StateNegotiating {
			return s, fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, evt, s)
		}
		return StateLinked, nil

	case EvtStreamerLost:
		return StateAwaitingStreamer, nil

	default:
		return s, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, evt)
	}
}
