package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/storage"
)

// PairStore is an in-memory implementation of storage.PairStore.
type PairStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Pair // keyed by network|address
}

// NewPairStore creates a new in-memory pair store.
func NewPairStore() *PairStore {
	return &PairStore{
		data: make(map[string]*domain.Pair),
	}
}

func pairKey(network, address string) string {
	return fmt.Sprintf("%s|%s", network, address)
}

// Insert adds a new pair. Returns ErrDuplicateKey if exists.
func (s *PairStore) Insert(_ context.Context, p *domain.Pair) error {
	if p == nil || p.Network == "" || p.Address == "" {
		return storage.ErrInvalidInput
	}

	key := pairKey(p.Network, p.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *p
	s.data[key] = &copy
	return nil
}

// GetByAddress retrieves a pair by its key. Returns ErrNotFound if not exists.
func (s *PairStore) GetByAddress(_ context.Context, network, address string) (*domain.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[pairKey(network, address)]
	if !ok {
		return nil, storage.ErrNotFound
	}

	copy := *p
	return &copy, nil
}

// List retrieves all tracked pairs ordered by (network, address).
func (s *PairStore) List(_ context.Context) ([]*domain.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Pair, 0, len(s.data))
	for _, p := range s.data {
		copy := *p
		result = append(result, &copy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Network != result[j].Network {
			return result[i].Network < result[j].Network
		}
		return result[i].Address < result[j].Address
	})

	return result, nil
}

var _ storage.PairStore = (*PairStore)(nil)
