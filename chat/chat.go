// Package chat validates, persists and serves the text-chat channel that
// runs alongside a call. Broadcasting is the relay's job; this service only
// produces the stored record to broadcast.
package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/spiretalk/spiretalk/persistence"
	"github.com/spiretalk/spiretalk/ratelimit"
	"github.com/spiretalk/spiretalk/types"
)

const maxTextLength = 4096

// Service is the chat subsystem. With a nil persister it falls back to an
// in-process log so chat still works in unpersisted development setups.
type Service struct {
	persister persistence.Persister
	limiter   *ratelimit.Limiter

	mu     sync.Mutex
	memSeq uint64
	memLog map[string][]types.ChatMessage
}

func NewService(persister persistence.Persister, limiter *ratelimit.Limiter) *Service {
	return &Service{
		persister: persister,
		limiter:   limiter,
		memLog:    make(map[string][]types.ChatMessage),
	}
}

// Send checks the rate limit, validates and persists a chat message and
// returns the stored record carrying the server-assigned sequence number and
// timestamp. Over-limit sends fail with ErrRateLimited and are not persisted.
func (s *Service) Send(roomId, participantId, displayName, text, filterExpr string) (*types.ChatMessage, error) {
	if s.limiter != nil {
		if err := s.limiter.Allow(participantId, ratelimit.ClassChat); err != nil {
			return nil, err
		}
	}
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxTextLength {
		return nil, types.ErrMalformed
	}
	msg := &types.ChatMessage{
		RoomId:      roomId,
		Participant: participantId,
		DisplayName: displayName,
		Text:        text,
		Kind:        types.ChatMessageTypeText,
		Filter:      filterExpr,
		CreatedAt:   time.Now(),
	}
	if err := msg.CreateHash(); err != nil {
		return nil, err
	}
	if s.persister != nil {
		if err := s.persister.StoreChatMessage(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
	s.mu.Lock()
	s.memSeq++
	msg.Seq = s.memSeq
	s.memLog[roomId] = append(s.memLog[roomId], *msg)
	s.mu.Unlock()
	return msg, nil
}

// History returns the most recent limit messages of a room in ascending
// creation order. Repeated calls are stable.
func (s *Service) History(roomId string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.persister != nil {
		return s.persister.GetChatHistory(roomId, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.memLog[roomId]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]types.ChatMessage, len(log))
	copy(out, log)
	return out, nil
}
