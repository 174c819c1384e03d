package persistence

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&types.Room{}, &types.ChatMessage{})
	return db, nil
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	err := p.db.First(room).Error
	if err == gorm.ErrRecordNotFound {
		return types.ErrNotFound
	}
	return err
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) StoreChatMessage(msg *types.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Hash == "" {
		if err := msg.CreateHash(); err != nil {
			return err
		}
	}
	// Seq is assigned by the autoincrement primary key
	return p.db.Create(msg).Error
}

func (p *GormPersist) GetChatHistory(roomId string, limit int) ([]types.ChatMessage, error) {
	messages := make([]types.ChatMessage, 0)
	err := p.db.Where("room_id = ?", roomId).Order("seq DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	// storage order is newest-first, callers get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) Close() error {
	return nil
}
