package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// MemoryConversationStore keeps a bounded turn window per conversation and
// evicts the least recently used conversation once capacity is exceeded.
// Nothing survives a restart.
type MemoryConversationStore struct {
	mu        sync.Mutex
	capacity  int // max conversations
	maxTurns  int // max turns per conversation
	items     map[string]*conversationItem
	head      *conversationItem
	tail      *conversationItem
	idleAfter time.Duration
	now       func() time.Time
}

type conversationItem struct {
	key      string
	turns    []ports.Turn
	lastUsed time.Time
	prev     *conversationItem
	next     *conversationItem
}

// NewMemoryConversationStore creates a store holding at most capacity
// conversations of at most maxTurns turns each. Conversations untouched for
// idleAfter are dropped on access; zero disables idle expiry.
func NewMemoryConversationStore(capacity, maxTurns int, idleAfter time.Duration) *MemoryConversationStore {
	if capacity < 1 {
		capacity = 1
	}
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &MemoryConversationStore{
		capacity:  capacity,
		maxTurns:  maxTurns,
		items:     make(map[string]*conversationItem),
		idleAfter: idleAfter,
		now:       time.Now,
	}
}

// SaveTurn appends a turn, trimming the oldest turns beyond the window.
func (s *MemoryConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	item, exists := s.lookup(conversationID, now)
	if !exists {
		item = &conversationItem{key: conversationID}
		s.addToFront(item)
		s.items[conversationID] = item
	} else {
		s.moveToFront(item)
	}

	item.turns = append(item.turns, turn)
	if over := len(item.turns) - s.maxTurns; over > 0 {
		item.turns = append([]ports.Turn(nil), item.turns[over:]...)
	}
	item.lastUsed = now

	if len(s.items) > s.capacity {
		s.evictLRU()
	}

	return nil
}

// LoadContext returns a copy of the last k turns, oldest first. k <= 0 means all.
func (s *MemoryConversationStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.lookup(conversationID, s.now())
	if !exists {
		return nil, nil
	}
	s.moveToFront(item)

	turns := item.turns
	if k > 0 && k < len(turns) {
		turns = turns[len(turns)-k:]
	}

	return append([]ports.Turn(nil), turns...), nil
}

// Len reports the number of conversations currently held.
func (s *MemoryConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// lookup returns the live item for key, dropping it if it went idle.
func (s *MemoryConversationStore) lookup(key string, now time.Time) (*conversationItem, bool) {
	item, exists := s.items[key]
	if !exists {
		return nil, false
	}
	if s.idleAfter > 0 && now.Sub(item.lastUsed) > s.idleAfter {
		s.removeItem(item)
		delete(s.items, key)
		return nil, false
	}
	return item, true
}

// moveToFront moves an item to the front of the LRU list.
func (s *MemoryConversationStore) moveToFront(item *conversationItem) {
	if item == s.head {
		return
	}

	s.removeItem(item)
	s.addToFront(item)
}

// addToFront adds an item to the front of the LRU list.
func (s *MemoryConversationStore) addToFront(item *conversationItem) {
	item.next = s.head
	item.prev = nil

	if s.head != nil {
		s.head.prev = item
	}
	s.head = item

	if s.tail == nil {
		s.tail = item
	}
}

// removeItem removes an item from the LRU list.
func (s *MemoryConversationStore) removeItem(item *conversationItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		s.head = item.next
	}

	if item.next != nil {
		item.next.prev = item.prev
	} else {
		s.tail = item.prev
	}

	item.prev = nil
	item.next = nil
}

// evictLRU removes the least recently used conversation.
func (s *MemoryConversationStore) evictLRU() {
	if s.tail == nil {
		return
	}

	item := s.tail
	s.removeItem(item)
	delete(s.items, item.key)
}

// Ensure MemoryConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*MemoryConversationStore)(nil)
