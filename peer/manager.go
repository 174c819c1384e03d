package peer

import (
	"encoding/json"
	"sync"

	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
)

// Manager owns all sessions of one call: one per remote participant. It
// consumes the server-emitted envelopes of the signaling connection and keeps
// the session set in sync with the room roster. Messages referencing
// connection ids absent from the latest roster are stale leftovers from
// before a reconnect and are dropped.
type Manager struct {
	mu sync.Mutex

	roomId  string
	localId string

	engine Engine
	send   func(*types.Envelope)

	sessions map[string]*Session
	roster   map[string]struct{}
}

func NewManager(roomId string, engine Engine, send func(*types.Envelope)) *Manager {
	return &Manager{
		roomId:   roomId,
		engine:   engine,
		send:     send,
		sessions: make(map[string]*Session),
		roster:   make(map[string]struct{}),
	}
}

// LocalId returns the connection id the server assigned to us.
func (m *Manager) LocalId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localId
}

// HandleEnvelope dispatches one server-emitted envelope.
func (m *Manager) HandleEnvelope(env *types.Envelope) {
	switch env.Type {
	case types.MessageTypeRoomJoined:
		m.handleRoomJoined(env)
	case types.MessageTypeParticipantJoined:
		m.handleParticipantJoined(env)
	case types.MessageTypeParticipantLeft:
		m.handleParticipantLeft(env)
	case types.MessageTypeOffer:
		m.handleOffer(env)
	case types.MessageTypeAnswer:
		m.handleAnswer(env)
	case types.MessageTypeIceCandidate:
		m.handleCandidate(env)
	}
}

// handleRoomJoined installs the membership snapshot. Sessions for
// participants no longer in the roster (a reconnect may change every
// connection id) are closed; every rostered participant without a session
// gets one, with an offer on the wire.
func (m *Manager) handleRoomJoined(env *types.Envelope) {
	payload := types.RoomJoinedPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		globals.AppLogger.Error("bad room-joined payload", "error", err)
		return
	}
	m.mu.Lock()
	m.localId = payload.You.ConnectionId
	m.roster = make(map[string]struct{})
	for _, p := range payload.Participants {
		m.roster[p.ConnectionId] = struct{}{}
	}
	stale := make([]*Session, 0)
	for id, sess := range m.sessions {
		if _, ok := m.roster[id]; !ok {
			stale = append(stale, sess)
			delete(m.sessions, id)
		}
	}
	fresh := make([]*Session, 0)
	for _, p := range payload.Participants {
		if p.ConnectionId == m.localId {
			continue
		}
		if _, ok := m.sessions[p.ConnectionId]; ok {
			continue
		}
		if sess := m.newSessionLocked(p.ConnectionId); sess != nil {
			fresh = append(fresh, sess)
		}
	}
	m.mu.Unlock()
	for _, sess := range stale {
		sess.Close()
	}
	for _, sess := range fresh {
		sess.StartOffer()
	}
}

func (m *Manager) handleParticipantJoined(env *types.Envelope) {
	payload := types.ParticipantPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	remoteId := payload.Participant.ConnectionId
	m.mu.Lock()
	if remoteId == "" || remoteId == m.localId {
		m.mu.Unlock()
		return
	}
	m.roster[remoteId] = struct{}{}
	if _, ok := m.sessions[remoteId]; ok {
		// duplicate join notification, session already negotiating
		m.mu.Unlock()
		return
	}
	sess := m.newSessionLocked(remoteId)
	m.mu.Unlock()
	if sess != nil {
		sess.StartOffer()
	}
}

func (m *Manager) handleParticipantLeft(env *types.Envelope) {
	remoteId := env.Sender
	m.mu.Lock()
	delete(m.roster, remoteId)
	sess, ok := m.sessions[remoteId]
	if ok {
		delete(m.sessions, remoteId)
	}
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// session returns the session for a rostered sender, creating it when an
// offer may legitimately open one. Stale senders yield nil.
func (m *Manager) session(senderId string, createIfAbsent bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roster[senderId]; !ok {
		globals.AppLogger.Debug("dropping signaling from stale connection", "sender", senderId)
		return nil
	}
	if sess, ok := m.sessions[senderId]; ok {
		return sess
	}
	if !createIfAbsent {
		return nil
	}
	return m.newSessionLocked(senderId)
}

func (m *Manager) newSessionLocked(remoteId string) *Session {
	var sess *Session
	newConn := func() (PeerConn, error) {
		return m.engine.NewPeerConn(EngineEvents{
			OnLocalCandidate: func(candidate string) {
				if sess != nil {
					sess.sendLocalCandidate(candidate)
				}
			},
			OnNegotiationNeeded: func() {
				if sess != nil {
					sess.handleNegotiationNeeded()
				}
			},
			OnStateChange: func(state ConnState) {
				if sess != nil {
					sess.handleConnState(state)
				}
			},
		})
	}
	sess = newSession(m.roomId, m.localId, remoteId, newConn, m.send, m.removeSession)
	if err := sess.init(); err != nil {
		globals.AppLogger.Error("could not create peer connection", "remote", remoteId, "error", err)
		return nil
	}
	m.sessions[remoteId] = sess
	return sess
}

func (m *Manager) removeSession(remoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[remoteId]; ok && sess.State() == StateClosed {
		delete(m.sessions, remoteId)
	}
}

func (m *Manager) handleOffer(env *types.Envelope) {
	payload := types.SignalPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	if sess := m.session(env.Sender, true); sess != nil {
		sess.HandleOffer(payload)
	}
}

func (m *Manager) handleAnswer(env *types.Envelope) {
	payload := types.SignalPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	if sess := m.session(env.Sender, false); sess != nil {
		sess.HandleAnswer(payload)
	}
}

func (m *Manager) handleCandidate(env *types.Envelope) {
	payload := types.SignalPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	if sess := m.session(env.Sender, true); sess != nil {
		sess.HandleCandidate(payload.Candidate)
	}
}

// EnableVideo turns on the outgoing video track on every connected session.
// Each session renegotiates on its own once the engine reports the need.
func (m *Manager) EnableVideo() {
	for _, sess := range m.snapshot() {
		if err := sess.EnableVideo(); err != nil {
			globals.AppLogger.Debug("could not enable video", "error", err)
		}
	}
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionState reports the state of the session with one remote, or
// StateClosed if none exists.
func (m *Manager) SessionState(remoteId string) State {
	m.mu.Lock()
	sess, ok := m.sessions[remoteId]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return sess.State()
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Close tears down every session.
func (m *Manager) Close() {
	for _, sess := range m.snapshot() {
		sess.Close()
	}
}
