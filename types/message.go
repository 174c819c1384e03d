package types

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

const ChatMessageTypeText = "text"

// ChatMessage is a persisted chat message. The display name is denormalized at
// write time so history renders correctly after the sender has left. Seq is
// assigned by the persister and is monotonically increasing per store, which
// gives history its ordering and receivers a de-duplication key.
type ChatMessage struct {
	Seq         uint64    `json:"seq" gorm:"primaryKey;autoIncrement" mapstructure:"-"`
	Hash        string    `json:"hash" gorm:"index" mapstructure:"-"`
	RoomId      string    `json:"room_id" gorm:"index" mapstructure:"-"`
	Participant string    `json:"participant_id" mapstructure:"-"`
	DisplayName string    `json:"display_name" mapstructure:"-"`
	Text        string    `json:"text" mapstructure:"text"`
	Kind        string    `json:"kind" mapstructure:"-"`
	Filter      string    `json:"filter,omitempty" mapstructure:"filter"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"-"`
}

// CreateHash fills the content hash used to spot duplicate deliveries of the
// same message. Seq is excluded, it does not exist before the store.
func (m *ChatMessage) CreateHash() error {
	h, err := hashstructure.Hash(struct {
		RoomId      string
		Participant string
		Text        string
		CreatedAt   time.Time
	}{m.RoomId, m.Participant, m.Text, m.CreatedAt}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Hash = hashToString(h)
	return nil
}

const hexDigits = "0123456789abcdef"

func hashToString(h uint64) string {
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(b)
}
