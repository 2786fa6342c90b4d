package postgres

import (
	"context"
	"fmt"
	"time"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/observability"
	"dex-kline-engine/internal/storage"
)

// PairStore implements storage.PairStore using PostgreSQL.
type PairStore struct {
	pool *Pool
}

// NewPairStore creates a new PairStore.
func NewPairStore(pool *Pool) *PairStore {
	return &PairStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PairStore = (*PairStore)(nil)

// Insert adds a tracked pair. Returns ErrDuplicateKey if the
// (network, address) pair already exists.
func (s *PairStore) Insert(ctx context.Context, p *domain.Pair) error {
	if p == nil || p.Network == "" || p.Address == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pairs (network, address, base_symbol, quote_symbol, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	start := time.Now()
	_, err := s.pool.Exec(ctx, query,
		p.Network, p.Address, p.BaseSymbol, p.QuoteSymbol, p.CreatedAt,
	)
	observability.RecordDBQuery("postgres", "insert_pair", time.Since(start).Seconds(), err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pair: %w", err)
	}
	return nil
}

// GetByAddress retrieves a pair by network and address. Returns ErrNotFound
// if it does not exist.
func (s *PairStore) GetByAddress(ctx context.Context, network, address string) (*domain.Pair, error) {
	query := `
		SELECT network, address, base_symbol, quote_symbol, created_at
		FROM pairs
		WHERE network = $1 AND address = $2
	`

	var p domain.Pair
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, network, address).Scan(
		&p.Network, &p.Address, &p.BaseSymbol, &p.QuoteSymbol, &p.CreatedAt,
	)
	observability.RecordDBQuery("postgres", "get_pair", time.Since(start).Seconds(), err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pair by address: %w", err)
	}
	return &p, nil
}

// List retrieves all tracked pairs ordered by network then address.
func (s *PairStore) List(ctx context.Context) ([]*domain.Pair, error) {
	query := `
		SELECT network, address, base_symbol, quote_symbol, created_at
		FROM pairs
		ORDER BY network ASC, address ASC
	`

	start := time.Now()
	rows, err := s.pool.Query(ctx, query)
	observability.RecordDBQuery("postgres", "list_pairs", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*domain.Pair
	for rows.Next() {
		var p domain.Pair
		err := rows.Scan(&p.Network, &p.Address, &p.BaseSymbol, &p.QuoteSymbol, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan pair row: %w", err)
		}
		pairs = append(pairs, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pair rows: %w", err)
	}

	return pairs, nil
}
