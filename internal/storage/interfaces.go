package storage

import (
	"context"

	"dex-kline-engine/internal/domain"
)

// Order controls the sort direction of historical queries.
type Order string

// Query sort orders.
const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Valid reports whether o is a supported order.
func (o Order) Valid() bool {
	return o == OrderAsc || o == OrderDesc
}

// BarStore provides access to closed-bar storage. It is the system of record
// for completed periods; in-progress bars live only in the aggregation engine.
type BarStore interface {
	// Upsert writes a closed bar keyed by (network, pair_address, resolution,
	// period_start). Re-upserting the same key overwrites, never duplicates.
	Upsert(ctx context.Context, bar *domain.Bar) error

	// GetLatestClosed retrieves the most recent closed bar for a series.
	// Returns ErrNotFound if the series has no closed bars yet.
	GetLatestClosed(ctx context.Context, network, pairAddress string, resolution domain.Resolution) (*domain.Bar, error)

	// QueryHistorical retrieves up to limit closed bars for a series ordered
	// by period_start in the given direction.
	QueryHistorical(ctx context.Context, network, pairAddress string, resolution domain.Resolution, limit int, order Order) ([]*domain.Bar, error)
}

// PairStore provides access to the tracked-pairs registry.
type PairStore interface {
	// Insert adds a new pair. Returns ErrDuplicateKey if (network, address) exists.
	Insert(ctx context.Context, p *domain.Pair) error

	// GetByAddress retrieves a pair by its key. Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, network, address string) (*domain.Pair, error)

	// List retrieves all tracked pairs ordered by (network, address).
	List(ctx context.Context) ([]*domain.Pair, error)
}
