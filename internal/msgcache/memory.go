package msgcache

import (
	"context"
	"sync"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]Conversation)}
}

func (s *MemoryStore) Update(_ context.Context, conversationID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = patch(s.convs[conversationID])
	return nil
}

// Get returns a copy of the cached conversation; unknown ids yield the zero
// value.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conversationID].clone(), nil
}
