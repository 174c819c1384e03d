package peer

import (
	"sync"
	"time"

	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
)

// negotiationTimeout bounds how long a session may sit in a transient
// negotiation state before it is treated as failed and torn down.
const negotiationTimeout = 30 * time.Second

// Session is the per-remote-participant negotiation state machine. All
// transitions run under the session mutex, so no two signaling messages for
// the same remote participant are processed concurrently; sessions for
// different remote participants proceed independently.
//
// Every transition is idempotent against duplicate or reordered messages:
// the relay only guarantees best-effort in-order delivery per connection.
type Session struct {
	mu sync.Mutex

	remoteId string
	roomId   string
	localId  string

	pc      PeerConn
	newConn func() (PeerConn, error)
	state   State

	// candidates received before the remote description was installed
	pendingCandidates []string
	hasRemote         bool

	send     func(*types.Envelope)
	onClosed func(remoteId string)

	negotiationTimeout time.Duration
	negotiationTimer   *time.Timer
}

func newSession(roomId, localId, remoteId string, newConn func() (PeerConn, error), send func(*types.Envelope), onClosed func(string)) *Session {
	return &Session{
		remoteId:           remoteId,
		roomId:             roomId,
		localId:            localId,
		newConn:            newConn,
		state:              StateIdle,
		send:               send,
		onClosed:           onClosed,
		negotiationTimeout: negotiationTimeout,
	}
}

// init creates the underlying peer connection. Called once by the manager
// right after construction.
func (s *Session) init() error {
	pc, err := s.newConn()
	if err != nil {
		return err
	}
	s.pc = pc
	return nil
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartOffer creates and sends an offer to the remote participant. Legal
// from Idle (initial negotiation) and from Connected (renegotiation after a
// track change); any other state means a negotiation is already in flight.
func (s *Session) StartOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateConnected {
		return
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		globals.AppLogger.Error("could not create offer", "remote", s.remoteId, "error", err)
		s.closeLocked()
		return
	}
	s.state = StateHaveLocalOffer
	s.armNegotiationTimer()
	s.send(types.NewEnvelope(types.MessageTypeOffer, s.roomId, s.localId, s.remoteId, offer))
}

// HandleOffer processes a remote offer.
//
// Glare: when both sides have an offer in flight, both must agree on the
// winner without another signaling round. The connection id ordering is the
// tiebreak: the side with the lower id keeps its offer and ignores the
// incoming one; the side with the higher id abandons its own offer and
// answers instead. Exactly one of the two colliding offers is ever answered.
func (s *Session) HandleOffer(offer types.SignalPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHaveLocalOffer:
		if s.localId < s.remoteId {
			globals.AppLogger.Debug("offer glare, keeping own offer", "remote", s.remoteId)
			return
		}
		// abandon our offer: the engine object carries a half-negotiated
		// local description, start over on a fresh one and answer. Buffered
		// remote candidates belong to the winning offer and survive.
		if err := s.resetConnLocked(); err != nil {
			s.closeLocked()
			return
		}
	case StateClosed, StateHaveRemoteOffer:
		return
	}
	// Idle: initial negotiation. Connected: remote-initiated renegotiation.
	s.state = StateHaveRemoteOffer
	answer, err := s.pc.CreateAnswer(offer)
	if err != nil {
		globals.AppLogger.Error("could not create answer", "remote", s.remoteId, "error", err)
		s.closeLocked()
		return
	}
	s.hasRemote = true
	s.flushPendingLocked()
	s.send(types.NewEnvelope(types.MessageTypeAnswer, s.roomId, s.localId, s.remoteId, answer))
	// the answerer does not pass through an explicit have-local-offer state
	s.state = StateConnected
	s.disarmNegotiationTimer()
}

// HandleAnswer applies a remote answer. Answers arriving in any state other
// than have-local-offer are stale or duplicated and are dropped.
func (s *Session) HandleAnswer(answer types.SignalPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHaveLocalOffer {
		globals.AppLogger.Debug("dropping stale answer", "remote", s.remoteId, "state", s.state)
		return
	}
	if err := s.pc.ApplyAnswer(answer); err != nil {
		globals.AppLogger.Error("could not apply answer", "remote", s.remoteId, "error", err)
		s.closeLocked()
		return
	}
	s.hasRemote = true
	s.flushPendingLocked()
	s.state = StateConnected
	s.disarmNegotiationTimer()
}

// HandleCandidate applies a remote ICE candidate, buffering it while no
// remote description is installed yet.
func (s *Session) HandleCandidate(candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if !s.hasRemote {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		globals.AppLogger.Debug("could not add ice candidate", "remote", s.remoteId, "error", err)
	}
}

// flushPendingLocked applies buffered candidates in arrival order. Callers
// hold the mutex and have installed the remote description.
func (s *Session) flushPendingLocked() {
	for _, candidate := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			globals.AppLogger.Debug("could not add buffered candidate", "remote", s.remoteId, "error", err)
		}
	}
	s.pendingCandidates = nil
}

// sendLocalCandidate forwards a locally gathered candidate to the remote
// participant through the relay.
func (s *Session) sendLocalCandidate(candidate string) {
	s.send(types.NewEnvelope(types.MessageTypeIceCandidate, s.roomId, s.localId, s.remoteId,
		types.SignalPayload{Candidate: candidate}))
}

// handleNegotiationNeeded re-enters the offering path after a local track
// change. Only from Connected, to avoid renegotiating mid-negotiation.
func (s *Session) handleNegotiationNeeded() {
	if s.State() != StateConnected {
		return
	}
	s.StartOffer()
}

// handleConnState reacts to transport state reports from the engine.
func (s *Session) handleConnState(state ConnState) {
	if state == ConnStateFailed || state == ConnStateClosed {
		s.Close()
	}
}

// EnableVideo attaches the outgoing video track. The engine signals
// renegotiation-needed if a new transceiver was added.
func (s *Session) EnableVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return types.ErrNotFound
	}
	return s.pc.EnableVideo()
}

// Close tears the session down: close the engine connection, discard
// buffered candidates, transition to closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.pendingCandidates = nil
	s.disarmNegotiationTimer()
	if err := s.pc.Close(); err != nil {
		globals.AppLogger.Debug("error closing peer connection", "remote", s.remoteId, "error", err)
	}
	if s.onClosed != nil {
		go s.onClosed(s.remoteId)
	}
}

// resetConnLocked replaces the engine connection with a fresh one,
// discarding any local negotiation state. Remote candidates stay buffered.
func (s *Session) resetConnLocked() error {
	if err := s.pc.Close(); err != nil {
		globals.AppLogger.Debug("error closing abandoned peer connection", "remote", s.remoteId, "error", err)
	}
	pc, err := s.newConn()
	if err != nil {
		globals.AppLogger.Error("could not recreate peer connection", "remote", s.remoteId, "error", err)
		return err
	}
	s.pc = pc
	s.hasRemote = false
	return nil
}

func (s *Session) armNegotiationTimer() {
	s.disarmNegotiationTimer()
	s.negotiationTimer = time.AfterFunc(s.negotiationTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateHaveLocalOffer || s.state == StateHaveRemoteOffer {
			globals.AppLogger.Warn("negotiation timed out", "remote", s.remoteId)
			s.closeLocked()
		}
	})
}

func (s *Session) disarmNegotiationTimer() {
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}
