package peer

import (
	"testing"
	"time"

	"github.com/spiretalk/spiretalk/types"
	"github.com/stretchr/testify/assert"
)

func snapshotEnvelope(roomId, you string, others ...string) *types.Envelope {
	participants := make([]types.Participant, 0, len(others))
	for _, id := range others {
		participants = append(participants, types.Participant{RoomId: roomId, ConnectionId: id})
	}
	return types.NewEnvelope(types.MessageTypeRoomJoined, roomId, "", you, types.RoomJoinedPayload{
		Room:         types.Room{Id: roomId},
		You:          types.Participant{RoomId: roomId, ConnectionId: you},
		Participants: participants,
	})
}

func joinedEnvelope(roomId, connectionId string) *types.Envelope {
	return types.NewEnvelope(types.MessageTypeParticipantJoined, roomId, connectionId, "",
		types.ParticipantPayload{Participant: types.Participant{RoomId: roomId, ConnectionId: connectionId}})
}

func TestRoomJoinedOpensSessions(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)

	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b", "conn-c"))

	assert.Equal(t, "conn-a", m.LocalId())
	assert.Equal(t, 2, m.SessionCount())
	offers := sink.byType(types.MessageTypeOffer)
	assert.Len(t, offers, 2)
	targets := map[string]bool{}
	for _, env := range offers {
		assert.Equal(t, "conn-a", env.Sender)
		targets[env.Target] = true
	}
	assert.True(t, targets["conn-b"])
	assert.True(t, targets["conn-c"])
}

func TestRoomJoinedReconcilesRoster(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)

	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b"))
	assert.Equal(t, StateHaveLocalOffer, m.SessionState("conn-b"))

	// after a reconnect the snapshot no longer lists conn-b
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-c"))
	assert.True(t, engine.conn(0).isClosed())
	assert.Equal(t, StateHaveLocalOffer, m.SessionState("conn-c"))
	assert.Eventually(t, func() bool { return m.SessionCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestParticipantJoinedStartsOffer(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a"))

	m.HandleEnvelope(joinedEnvelope("main", "conn-b"))
	assert.Equal(t, 1, m.SessionCount())
	assert.Len(t, sink.byType(types.MessageTypeOffer), 1)

	// a duplicated join notification does not restart the negotiation
	m.HandleEnvelope(joinedEnvelope("main", "conn-b"))
	assert.Equal(t, 1, m.SessionCount())
	assert.Len(t, sink.byType(types.MessageTypeOffer), 1)

	// our own join echo never opens a session
	m.HandleEnvelope(joinedEnvelope("main", "conn-a"))
	assert.Equal(t, 1, m.SessionCount())
}

func TestParticipantLeftClosesSession(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b"))

	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeParticipantLeft, "main", "conn-b", "", nil))
	assert.Equal(t, 0, m.SessionCount())
	assert.True(t, engine.conn(0).isClosed())

	// signaling from the departed connection is now stale
	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeOffer, "main", "conn-b", "conn-a",
		types.SignalPayload{Sdp: "v=0", SdpType: "offer"}))
	assert.Equal(t, 0, m.SessionCount())
	assert.Empty(t, sink.byType(types.MessageTypeAnswer))
}

func TestOfferFromUnknownSenderDropped(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a"))

	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeOffer, "main", "conn-x", "conn-a",
		types.SignalPayload{Sdp: "v=0", SdpType: "offer"}))
	assert.Equal(t, 0, m.SessionCount())
	assert.Equal(t, 0, engine.count())
	assert.Empty(t, sink.take())
}

func TestAnswerNeverOpensSession(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a"))
	m.HandleEnvelope(joinedEnvelope("main", "conn-b"))
	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeParticipantLeft, "main", "conn-b", "", nil))

	// conn-b is gone; its late answer must not resurrect the session
	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeAnswer, "main", "conn-b", "conn-a",
		types.SignalPayload{Sdp: "v=0", SdpType: "answer"}))
	assert.Equal(t, 0, m.SessionCount())
}

func TestCandidateRoutedToSession(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b"))

	// candidates arriving before the answer are buffered, not applied
	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeIceCandidate, "main", "conn-b", "conn-a",
		types.SignalPayload{Candidate: "candidate:1"}))
	assert.Empty(t, engine.conn(0).addedCandidates())

	m.HandleEnvelope(types.NewEnvelope(types.MessageTypeAnswer, "main", "conn-b", "conn-a",
		types.SignalPayload{Sdp: "v=0", SdpType: "answer"}))
	assert.Equal(t, StateConnected, m.SessionState("conn-b"))
	assert.Equal(t, []string{"candidate:1"}, engine.conn(0).addedCandidates())
}

// Both sides offer to each other at the same time; the exchange must settle
// with exactly one answer and both managers connected.
func TestGlareConvergence(t *testing.T) {
	engineA := &fakeEngine{}
	engineB := &fakeEngine{}
	sinkA := &envSink{}
	sinkB := &envSink{}
	a := NewManager("main", engineA, sinkA.send)
	b := NewManager("main", engineB, sinkB.send)

	// both join and learn about each other before any relay delivery
	a.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b"))
	b.HandleEnvelope(snapshotEnvelope("main", "conn-b", "conn-a"))
	assert.Equal(t, StateHaveLocalOffer, a.SessionState("conn-b"))
	assert.Equal(t, StateHaveLocalOffer, b.SessionState("conn-a"))

	// the colliding offers cross on the wire
	offersFromB := sinkB.take()
	for _, env := range sinkA.take() {
		b.HandleEnvelope(env)
	}
	for _, env := range offersFromB {
		a.HandleEnvelope(env)
	}
	// conn-a holds the lower id and keeps its offer, conn-b answered it
	assert.Equal(t, StateHaveLocalOffer, a.SessionState("conn-b"))
	assert.Equal(t, StateConnected, b.SessionState("conn-a"))
	answers := sinkB.take()
	assert.Len(t, answers, 1)
	assert.Equal(t, types.MessageTypeAnswer, answers[0].Type)

	for _, env := range answers {
		a.HandleEnvelope(env)
	}
	assert.Equal(t, StateConnected, a.SessionState("conn-b"))
	assert.Empty(t, sinkA.byType(types.MessageTypeAnswer))
}

func TestEnableVideo(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b", "conn-c"))

	m.EnableVideo()
	assert.Equal(t, 1, engine.conn(0).video)
	assert.Equal(t, 1, engine.conn(1).video)
}

func TestManagerClose(t *testing.T) {
	engine := &fakeEngine{}
	sink := &envSink{}
	m := NewManager("main", engine, sink.send)
	m.HandleEnvelope(snapshotEnvelope("main", "conn-a", "conn-b", "conn-c"))

	m.Close()
	for i := 0; i < engine.count(); i++ {
		assert.True(t, engine.conn(i).isClosed())
	}
	assert.Eventually(t, func() bool { return m.SessionCount() == 0 },
		time.Second, 10*time.Millisecond)
}
