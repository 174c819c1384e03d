// Package peer implements the client-side peer-connection state machine: one
// negotiation session per remote participant, coordinated solely through the
// signaling relay. The underlying WebRTC engine is behind the Engine/PeerConn
// interfaces; production uses the pion implementation, tests a fake.
package peer

import "github.com/spiretalk/spiretalk/types"

// State is the negotiation state of one session.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnState is the transport-level state reported by the engine.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnected
	ConnStateFailed
	ConnStateClosed
)

// EngineEvents are the callbacks a PeerConn raises. All callbacks may fire
// from engine-owned goroutines.
type EngineEvents struct {
	// OnLocalCandidate fires for each locally gathered ICE candidate
	// (trickle ICE). The candidate is the engine's JSON form.
	OnLocalCandidate func(candidate string)

	// OnNegotiationNeeded fires when a local track change requires a new
	// offer/answer round.
	OnNegotiationNeeded func()

	// OnStateChange reports transport state transitions.
	OnStateChange func(state ConnState)
}

// PeerConn is one negotiation-capable connection object.
type PeerConn interface {
	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer() (types.SignalPayload, error)

	// CreateAnswer installs the remote offer, creates an answer and installs
	// it as the local description.
	CreateAnswer(offer types.SignalPayload) (types.SignalPayload, error)

	// ApplyAnswer installs the remote answer description.
	ApplyAnswer(answer types.SignalPayload) error

	// AddICECandidate adds one remote candidate. Callers must only invoke it
	// once a remote description is installed.
	AddICECandidate(candidate string) error

	// EnableVideo attaches or replaces the outgoing video track.
	EnableVideo() error

	Close() error
}

// Engine creates peer connections.
type Engine interface {
	NewPeerConn(events EngineEvents) (PeerConn, error)
}
