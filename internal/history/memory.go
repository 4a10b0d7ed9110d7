package history

import (
	"context"
	"sync"

	"github.com/lexiqai/voice-server/internal/observability"
)

// MemoryStore is a process-local Store with a FIFO cap per key
type MemoryStore struct {
	maxTurns int

	mu    sync.RWMutex
	turns map[string][]Turn
}

// NewMemoryStore creates an empty store
func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStore{
		maxTurns: maxTurns,
		turns:    make(map[string][]Turn),
	}
}

func (s *MemoryStore) Append(_ context.Context, key string, turn Turn) error {
	if err := validate(turn); err != nil {
		return err
	}

	s.mu.Lock()
	turns := append(s.turns[key], turn)
	evicted := len(turns) - s.maxTurns
	if evicted > 0 {
		// Copy so the evicted prefix is not pinned by the backing array.
		turns = append([]Turn(nil), turns[evicted:]...)
	}
	s.turns[key] = turns
	s.mu.Unlock()

	if evicted > 0 {
		observability.RecordHistoryEvictions(evicted)
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[key]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.turns, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
