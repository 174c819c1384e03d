// Package registry holds the authoritative in-memory map of rooms to
// participants. All mutations of one room are linearized through the room's
// lock; different rooms proceed in parallel.
package registry

import (
	"sync"
	"time"

	"github.com/spiretalk/spiretalk/types"
)

type roomState struct {
	mu           sync.Mutex
	room         types.Room
	participants []*types.Participant // join order
	byConn       map[string]*types.Participant
	hostAssigned bool
}

// Registry is the room/participant registry.
type Registry struct {
	mu              sync.RWMutex
	rooms           map[string]*roomState
	maxParticipants int
}

func New(maxParticipants int) *Registry {
	if maxParticipants <= 0 {
		maxParticipants = types.DefaultMaxParticipants
	}
	return &Registry{
		rooms:           make(map[string]*roomState),
		maxParticipants: maxParticipants,
	}
}

func (r *Registry) state(roomId string, create bool) *roomState {
	r.mu.RLock()
	rs, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if ok || !create {
		return rs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok = r.rooms[roomId]; ok {
		return rs
	}
	rs = &roomState{
		room: types.Room{
			Id:              roomId,
			Name:            roomId,
			MaxParticipants: r.maxParticipants,
			Active:          true,
			CreatedAt:       time.Now(),
		},
		byConn: make(map[string]*types.Participant),
	}
	r.rooms[roomId] = rs
	return rs
}

// EnsureRoom returns the room with the given id, creating it with default
// capacity if absent. Idempotent.
func (r *Registry) EnsureRoom(roomId string) types.Room {
	rs := r.state(roomId, true)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.room
}

// Seed installs a room loaded from persistence without touching membership.
// An already-known room keeps its current state.
func (r *Registry) Seed(room types.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.Id]; ok {
		return
	}
	if room.MaxParticipants <= 0 {
		room.MaxParticipants = r.maxParticipants
	}
	r.rooms[room.Id] = &roomState{
		room:   room,
		byConn: make(map[string]*types.Participant),
	}
}

// GetRoom returns a room's public metadata.
func (r *Registry) GetRoom(roomId string) (types.Room, error) {
	rs := r.state(roomId, false)
	if rs == nil {
		return types.Room{}, types.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.room, nil
}

// AddParticipant admits a connection into a room, creating the room if
// needed. The first participant of an otherwise-empty room becomes host; the
// host flag is assigned at most once per room lifetime, departures do not
// promote a successor. Joining again with the same connection id updates the
// existing row in place instead of duplicating it.
func (r *Registry) AddParticipant(roomId, displayName, connectionId string) (types.Participant, error) {
	rs := r.state(roomId, true)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if p, ok := rs.byConn[connectionId]; ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		return *p, nil
	}
	if len(rs.participants) >= rs.room.Capacity() {
		return types.Participant{}, types.ErrRoomFull
	}
	p := &types.Participant{
		RoomId:       roomId,
		ConnectionId: connectionId,
		DisplayName:  displayName,
		JoinedAt:     time.Now(),
	}
	if len(rs.participants) == 0 && !rs.hostAssigned {
		p.IsHost = true
		rs.hostAssigned = true
	}
	rs.participants = append(rs.participants, p)
	rs.byConn[connectionId] = p
	return *p, nil
}

// RemoveParticipant removes a connection from a room. The returned bool
// reports whether a row was actually removed, so callers can suppress a
// duplicate leave broadcast.
func (r *Registry) RemoveParticipant(roomId, connectionId string) bool {
	rs := r.state(roomId, false)
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.byConn[connectionId]; !ok {
		return false
	}
	delete(rs.byConn, connectionId)
	for i, p := range rs.participants {
		if p.ConnectionId == connectionId {
			rs.participants = append(rs.participants[:i], rs.participants[i+1:]...)
			break
		}
	}
	// hostAssigned stays set: the host flag is handed out at most once per
	// room lifetime, even after the room empties
	return true
}

// ListParticipants returns the room's participants ordered by join time.
func (r *Registry) ListParticipants(roomId string) []types.Participant {
	rs := r.state(roomId, false)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]types.Participant, 0, len(rs.participants))
	for _, p := range rs.participants {
		out = append(out, *p)
	}
	return out
}

// GetParticipant returns one participant by connection id.
func (r *Registry) GetParticipant(roomId, connectionId string) (types.Participant, error) {
	rs := r.state(roomId, false)
	if rs == nil {
		return types.Participant{}, types.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if p, ok := rs.byConn[connectionId]; ok {
		return *p, nil
	}
	return types.Participant{}, types.ErrNotFound
}

// UpdateParticipant applies a partial update to one participant. Unknown
// connection ids report ErrNotFound and change nothing.
func (r *Registry) UpdateParticipant(roomId, connectionId string, update types.ParticipantUpdate) (types.Participant, error) {
	rs := r.state(roomId, false)
	if rs == nil {
		return types.Participant{}, types.ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, ok := rs.byConn[connectionId]
	if !ok {
		return types.Participant{}, types.ErrNotFound
	}
	update.Apply(p)
	return *p, nil
}
