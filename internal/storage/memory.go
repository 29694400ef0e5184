package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/inbox-triage/internal/models"
)

type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	byPhone       map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.Conversation),
		byPhone:       make(map[string]string),
	}
}

func (s *MemoryStorage) FindByContact(ctx context.Context, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byPhone[phone]
	if !exists {
		return nil, ErrNotFound
	}
	return s.conversations[id].Clone(), nil
}

func (s *MemoryStorage) Create(ctx context.Context, phone string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.insertIfAbsent(*models.NewConversation(uuid.New().String(), phone, time.Now().UTC()))
	return conv.Clone(), nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[msg.ConversationID]
	if !exists {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func (s *MemoryStorage) SaveFlags(ctx context.Context, conversationID string, flags models.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return ErrNotFound
	}
	conv.Raise(flags)
	return nil
}

func (s *MemoryStorage) QueryByFlag(ctx context.Context, highPriority bool) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.IsHighPriority == highPriority {
			result = append(result, *conv.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStorage) Commit(ctx context.Context, c Commit) (*CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.insertIfAbsent(c.Conversation)
	previous := conv.Flags()
	conv.Raise(c.Flags)

	msg := c.Message
	msg.ConversationID = conv.ID
	conv.Messages = append(conv.Messages, msg)

	stored := *conv
	stored.Messages = nil
	return &CommitResult{Conversation: stored, Message: msg, Previous: previous}, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// insertIfAbsent must be called with s.mu held for writing.
func (s *MemoryStorage) insertIfAbsent(conv models.Conversation) *models.Conversation {
	if id, exists := s.byPhone[conv.ContactPhone]; exists {
		return s.conversations[id]
	}
	stored := &models.Conversation{
		ID:           conv.ID,
		ContactPhone: conv.ContactPhone,
		CreatedAt:    conv.CreatedAt,
		Messages:     []models.Message{},
	}
	s.conversations[stored.ID] = stored
	s.byPhone[stored.ContactPhone] = stored.ID
	return stored
}
