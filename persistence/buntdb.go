package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
	"github.com/tidwall/buntdb"
)

const chatSeqKey = "seq:chat"

type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &BuntDBPersist{db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	u, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("room:"+room.Id, string(u), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		u, err := tx.Get("room:" + room.Id)
		if err == buntdb.ErrNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(u), room)
	})
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Room{}
			if err := json.Unmarshal([]byte(val), room); err == nil {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	return rooms, err
}

// StoreChatMessage assigns the next sequence number and writes the message
// under a seq-ordered key, all in one transaction.
func (p *BuntDBPersist) StoreChatMessage(msg *types.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Hash == "" {
		if err := msg.CreateHash(); err != nil {
			return err
		}
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		seq := uint64(1)
		if cur, err := tx.Get(chatSeqKey); err == nil {
			if n, err := strconv.ParseUint(cur, 10, 64); err == nil {
				seq = n + 1
			}
		}
		if _, _, err := tx.Set(chatSeqKey, strconv.FormatUint(seq, 10), nil); err != nil {
			return err
		}
		msg.Seq = seq
		raw, err := json.Marshal(msg)
		if err != nil {
			globals.AppLogger.Error("could not marshal chat message", "error", err)
			return err
		}
		_, _, err = tx.Set(chatKey(msg.RoomId, seq), string(raw), nil)
		return err
	})
}

// chatKey keys are zero-padded so that lexicographic key order is sequence
// order within one room.
func chatKey(roomId string, seq uint64) string {
	return fmt.Sprintf("chat:%s:%020d", roomId, seq)
}

func (p *BuntDBPersist) GetChatHistory(roomId string, limit int) ([]types.ChatMessage, error) {
	newestFirst := make([]types.ChatMessage, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys("chat:"+roomId+":*", func(key, val string) bool {
			msg := types.ChatMessage{}
			if err := json.Unmarshal([]byte(val), &msg); err == nil {
				newestFirst = append(newestFirst, msg)
			}
			return limit <= 0 || len(newestFirst) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	messages := make([]types.ChatMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		messages = append(messages, newestFirst[i])
	}
	return messages, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
