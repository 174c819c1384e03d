package types

import "time"

// Participant is one connected user within a room. The connection id is the
// routing key used by the relay; it is only stable across reconnects if the
// client supplies its own id on join.
type Participant struct {
	RoomId         string    `json:"room_id"`
	ConnectionId   string    `json:"connection_id"`
	DisplayName    string    `json:"display_name"`
	IsHost         bool      `json:"is_host"`
	IsMuted        bool      `json:"is_muted"`
	IsVideoEnabled bool      `json:"is_video_enabled"`
	JoinedAt       time.Time `json:"joined_at"`
}

// ParticipantUpdate carries a partial mutation of the mutable participant
// fields. Nil pointers leave the field untouched.
type ParticipantUpdate struct {
	DisplayName    *string `json:"display_name,omitempty" mapstructure:"display_name"`
	IsMuted        *bool   `json:"is_muted,omitempty" mapstructure:"is_muted"`
	IsVideoEnabled *bool   `json:"is_video_enabled,omitempty" mapstructure:"is_video_enabled"`
}

// Apply copies the set fields onto p.
func (u *ParticipantUpdate) Apply(p *Participant) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.IsMuted != nil {
		p.IsMuted = *u.IsMuted
	}
	if u.IsVideoEnabled != nil {
		p.IsVideoEnabled = *u.IsVideoEnabled
	}
}
