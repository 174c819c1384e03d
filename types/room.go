package types

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const DefaultMaxParticipants = 16

// Room is a named call session. One relay hub serves exactly one room.
// Rooms are created implicitly on first join and are never deleted by the
// signaling core, only deactivated externally.
type Room struct {
	Id              string         `json:"id" gorm:"primaryKey"`
	Name            string         `json:"name"`
	MaxParticipants int            `json:"max_participants"`
	Active          bool           `json:"active"`
	Settings        datatypes.JSON `json:"settings,omitempty"`
	CreatedAt       time.Time      `json:"-"`
	UpdatedAt       time.Time      `json:"-"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// Capacity returns the effective participant limit of the room.
func (r *Room) Capacity() int {
	if r.MaxParticipants <= 0 {
		return DefaultMaxParticipants
	}
	return r.MaxParticipants
}
