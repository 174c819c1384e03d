package persistence

import (
	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/types"
)

// Persister is the storage contract of the signaling core: room metadata plus
// the immutable chat log. StoreChatMessage assigns the server-side sequence
// number and timestamp; GetChatHistory always returns ascending creation
// order regardless of storage order.
type Persister interface {
	StoreRoom(types.Room) error
	GetRoom(*types.Room) error
	GetRooms() ([]*types.Room, error)
	StoreChatMessage(*types.ChatMessage) error
	GetChatHistory(roomId string, limit int) ([]types.ChatMessage, error)
	Close() error
}

// NewPersister picks the backend from the configuration. An empty
// configuration yields a nil persister, which the callers treat as
// "persistence disabled".
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	}
	return nil, nil
}
