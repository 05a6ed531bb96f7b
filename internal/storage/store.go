// Package storage is the boundary to the canonical document store. The store
// owns the append-only message log and trip snapshots; everything the engine
// keeps in memory is ephemeral and rebuilt from client refetches.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Store defines persistence operations consumed by the realtime engine.
type Store interface {
	SaveMessage(ctx context.Context, m *models.Message) error
	UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) error
	MarkDeleted(ctx context.Context, id string) error
	SaveReport(ctx context.Context, messageID string, rep models.MessageReport) error

	SaveConversation(ctx context.Context, c *models.Conversation) error
	LoadConversation(ctx context.Context, id string) (*models.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string, page models.Page) ([]*models.Message, error)

	SaveTripSnapshot(ctx context.Context, t *models.TripSession) error
}

// MemoryStore keeps everything in process. Backs tests and local runs
// without postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string]*models.Message
	convs     map[string]*models.Conversation
	byConv    map[string][]string
	snapshots map[string]*models.TripSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]*models.Message),
		convs:     make(map[string]*models.Conversation),
		byConv:    make(map[string][]string),
		snapshots: make(map[string]*models.TripSession),
	}
}

func (m *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.byConv[msg.ConversationID] = append(m.byConv[msg.ConversationID], msg.ID)
	}
	m.messages[msg.ID] = msg.Clone()
	return nil
}

func (m *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	if status.Rank() <= msg.Status.Rank() {
		return nil
	}
	msg.Status = status
	switch status {
	case models.MessageDelivered:
		msg.DeliveredAt = &at
	case models.MessageRead:
		msg.ReadAt = &at
	}
	return nil
}

func (m *MemoryStore) MarkDeleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		msg.Deleted = true
	}
	return nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, messageID string, rep models.MessageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[messageID]; ok {
		msg.Reports = append(msg.Reports, rep)
	}
	return nil
}

func (m *MemoryStore) SaveConversation(ctx context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Participants = make(map[string]struct{}, len(c.Participants))
	for id := range c.Participants {
		cp.Participants[id] = struct{}{}
	}
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for id, n := range c.UnreadCounts {
		cp.UnreadCounts[id] = n
	}
	m.convs[c.ID] = &cp
	return nil
}

func (m *MemoryStore) LoadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) LoadMessages(ctx context.Context, conversationID string, page models.Page) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byConv[conversationID]
	msgs := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			msgs = append(msgs, msg.Clone())
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end], nil
}

func (m *MemoryStore) SaveTripSnapshot(ctx context.Context, t *models.TripSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[t.ID] = t.Clone()
	return nil
}

// Snapshot returns a saved trip snapshot, for tests.
func (m *MemoryStore) Snapshot(tripID string) (*models.TripSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.snapshots[tripID]
	return t, ok
}

// Message returns a stored message by id, for tests.
func (m *MemoryStore) Message(id string) (*models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}
