package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Bar // keyed by composite key
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[string]*domain.Bar),
	}
}

// barKey generates a unique key for a bar.
func barKey(network, pairAddress string, resolution domain.Resolution, periodStart int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", network, pairAddress, resolution, periodStart)
}

// Upsert writes a closed bar, overwriting any existing bar with the same key.
func (s *BarStore) Upsert(_ context.Context, bar *domain.Bar) error {
	if bar == nil || bar.Network == "" || bar.PairAddress == "" || !bar.Resolution.Valid() {
		return storage.ErrInvalidInput
	}

	key := barKey(bar.Network, bar.PairAddress, bar.Resolution, bar.PeriodStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *bar
	s.data[key] = &copy
	return nil
}

// GetLatestClosed retrieves the most recent closed bar for a series.
func (s *BarStore) GetLatestClosed(_ context.Context, network, pairAddress string, resolution domain.Resolution) (*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Bar
	for _, bar := range s.data {
		if bar.Network != network || bar.PairAddress != pairAddress || bar.Resolution != resolution {
			continue
		}
		if latest == nil || bar.PeriodStart > latest.PeriodStart {
			latest = bar
		}
	}

	if latest == nil {
		return nil, storage.ErrNotFound
	}

	copy := *latest
	return &copy, nil
}

// QueryHistorical retrieves up to limit bars for a series ordered by period_start.
func (s *BarStore) QueryHistorical(_ context.Context, network, pairAddress string, resolution domain.Resolution, limit int, order storage.Order) ([]*domain.Bar, error) {
	if !order.Valid() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bar
	for _, bar := range s.data {
		if bar.Network == network && bar.PairAddress == pairAddress && bar.Resolution == resolution {
			copy := *bar
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if order == storage.OrderAsc {
			return result[i].PeriodStart < result[j].PeriodStart
		}
		return result[i].PeriodStart > result[j].PeriodStart
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

var _ storage.BarStore = (*BarStore)(nil)
