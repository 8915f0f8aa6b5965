package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// MemoryStore is an in-process Store used by tests and as a scratch
// backend. All operations take a single mutex, which trivially satisfies
// the atomicity contract.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[uuid.UUID]chat.Message
	conversations map[uuid.UUID]chat.Conversation
	byPeer        map[string]uuid.UUID
	deliveries    map[uuid.UUID]chat.DeliveryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[uuid.UUID]chat.Message),
		conversations: make(map[uuid.UUID]chat.Conversation),
		byPeer:        make(map[string]uuid.UUID),
		deliveries:    make(map[uuid.UUID]chat.DeliveryRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Insert(_ context.Context, m chat.Message) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return AlreadyExists, nil
	}
	s.messages[m.ID] = m
	return Inserted, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) List(_ context.Context, conversation uuid.UUID, r ListRange) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.ConversationID != conversation {
			continue
		}
		if !r.Before.IsZero() && !m.CreatedAt.Before(r.Before) {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out)
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

func (s *MemoryStore) EnsureConversation(_ context.Context, peerID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPeer[peerID]; ok {
		return s.conversations[id], nil
	}
	c := chat.Conversation{ID: uuid.New(), PeerID: peerID}
	s.conversations[c.ID] = c
	s.byPeer[peerID] = c.ID
	return c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Conversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (s *MemoryStore) SetReadWatermark(_ context.Context, conversation uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversation]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.ReadWatermark) {
		c.ReadWatermark = at
		s.conversations[conversation] = c
	}
	return nil
}

func (s *MemoryStore) PutDelivery(_ context.Context, rec chat.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[rec.MessageID] = rec
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (chat.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deliveries[id]
	if !ok {
		return chat.DeliveryRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Deliveries(_ context.Context, peerID string, state chat.DeliveryState) ([]chat.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ms []chat.Message
	byID := make(map[uuid.UUID]chat.DeliveryRecord)
	for id, rec := range s.deliveries {
		if rec.PeerID != peerID || rec.State != state {
			continue
		}
		if m, ok := s.messages[id]; ok {
			ms = append(ms, m)
			byID[id] = rec
		}
	}
	sortMessages(ms)
	out := make([]chat.DeliveryRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, byID[m.ID])
	}
	return out, nil
}

func (s *MemoryStore) PendingMessages(_ context.Context, peerID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for id, rec := range s.deliveries {
		if rec.PeerID != peerID || rec.State != chat.StatePending {
			continue
		}
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortMessages orders by creation time, id as tiebreak.
func sortMessages(ms []chat.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return bytes.Compare(ms[i].ID[:], ms[j].ID[:]) < 0
	})
}
