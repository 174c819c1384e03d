package registry

import (
	"testing"

	"github.com/spiretalk/spiretalk/types"
	"github.com/stretchr/testify/assert"
)

func TestAddParticipantHostAssignment(t *testing.T) {
	r := New(16)
	p1, err := r.AddParticipant("main", "Alice", "conn-a")
	assert.NoError(t, err)
	assert.True(t, p1.IsHost)

	p2, err := r.AddParticipant("main", "Bob", "conn-b")
	assert.NoError(t, err)
	assert.False(t, p2.IsHost)

	// the host flag is handed out once per room lifetime, even after the
	// room empties completely
	assert.True(t, r.RemoveParticipant("main", "conn-a"))
	assert.True(t, r.RemoveParticipant("main", "conn-b"))
	p3, err := r.AddParticipant("main", "Carol", "conn-c")
	assert.NoError(t, err)
	assert.False(t, p3.IsHost)
}

func TestAddParticipantRejoinIsIdempotent(t *testing.T) {
	r := New(16)
	_, err := r.AddParticipant("main", "Alice", "conn-a")
	assert.NoError(t, err)
	p, err := r.AddParticipant("main", "Alice2", "conn-a")
	assert.NoError(t, err)
	assert.Equal(t, "Alice2", p.DisplayName)
	assert.True(t, p.IsHost)
	assert.Len(t, r.ListParticipants("main"), 1)
}

func TestAddParticipantRoomFull(t *testing.T) {
	r := New(2)
	_, err := r.AddParticipant("main", "Alice", "conn-a")
	assert.NoError(t, err)
	_, err = r.AddParticipant("main", "Bob", "conn-b")
	assert.NoError(t, err)
	_, err = r.AddParticipant("main", "Carol", "conn-c")
	assert.ErrorIs(t, err, types.ErrRoomFull)

	// a rejoin of a present participant never counts against capacity
	_, err = r.AddParticipant("main", "Bob", "conn-b")
	assert.NoError(t, err)
}

func TestRemoveParticipantIdempotent(t *testing.T) {
	r := New(16)
	_, err := r.AddParticipant("main", "Alice", "conn-a")
	assert.NoError(t, err)
	assert.True(t, r.RemoveParticipant("main", "conn-a"))
	assert.False(t, r.RemoveParticipant("main", "conn-a"))
	assert.False(t, r.RemoveParticipant("other", "conn-a"))
}

func TestListParticipantsJoinOrder(t *testing.T) {
	r := New(16)
	for _, id := range []string{"conn-a", "conn-b", "conn-c"} {
		_, err := r.AddParticipant("main", id, id)
		assert.NoError(t, err)
	}
	assert.True(t, r.RemoveParticipant("main", "conn-b"))
	_, err := r.AddParticipant("main", "conn-d", "conn-d")
	assert.NoError(t, err)
	list := r.ListParticipants("main")
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ConnectionId)
	}
	assert.Equal(t, []string{"conn-a", "conn-c", "conn-d"}, ids)
}

func TestUpdateParticipant(t *testing.T) {
	r := New(16)
	_, err := r.AddParticipant("main", "Alice", "conn-a")
	assert.NoError(t, err)

	muted := true
	name := "Alice B."
	p, err := r.UpdateParticipant("main", "conn-a", types.ParticipantUpdate{IsMuted: &muted, DisplayName: &name})
	assert.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.Equal(t, "Alice B.", p.DisplayName)
	assert.True(t, p.IsHost)

	// omitted fields stay untouched
	video := false
	p, err = r.UpdateParticipant("main", "conn-a", types.ParticipantUpdate{IsVideoEnabled: &video})
	assert.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.Equal(t, "Alice B.", p.DisplayName)

	_, err = r.UpdateParticipant("main", "conn-x", types.ParticipantUpdate{IsMuted: &muted})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetRoomAndSeed(t *testing.T) {
	r := New(16)
	_, err := r.GetRoom("main")
	assert.ErrorIs(t, err, types.ErrNotFound)

	r.Seed(types.Room{Id: "main", Name: "Main", MaxParticipants: 4})
	room, err := r.GetRoom("main")
	assert.NoError(t, err)
	assert.Equal(t, "Main", room.Name)
	assert.Equal(t, 4, room.Capacity())

	// seeded capacity wins over the global default
	for i := 0; i < 4; i++ {
		_, err = r.AddParticipant("main", "p", string(rune('a'+i)))
		assert.NoError(t, err)
	}
	_, err = r.AddParticipant("main", "p", "e")
	assert.ErrorIs(t, err, types.ErrRoomFull)
}
