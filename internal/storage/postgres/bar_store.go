package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/observability"
	"dex-kline-engine/internal/storage"
)

// BarStore implements storage.BarStore using PostgreSQL.
type BarStore struct {
	pool *Pool
}

// NewBarStore creates a new BarStore.
func NewBarStore(pool *Pool) *BarStore {
	return &BarStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// Upsert writes a closed bar, replacing any existing row for the same
// (network, pair_address, resolution, period_start). Re-delivery of the same
// bar is a no-op beyond bumping updated_at.
func (s *BarStore) Upsert(ctx context.Context, bar *domain.Bar) error {
	if bar == nil || bar.Network == "" || bar.PairAddress == "" || !bar.Resolution.Valid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO bars (
			network, pair_address, resolution, period_start,
			open, high, low, close, volume, trade_count, is_complete
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (network, pair_address, resolution, period_start) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count,
			is_complete = EXCLUDED.is_complete,
			updated_at = now()
	`

	start := time.Now()
	_, err := s.pool.Exec(ctx, query,
		bar.Network, bar.PairAddress, string(bar.Resolution), bar.PeriodStart,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount, bar.IsComplete,
	)
	observability.RecordDBQuery("postgres", "upsert_bar", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("upsert bar: %w", err)
	}
	return nil
}

// GetLatestClosed retrieves the most recent completed bar for a series.
// Returns ErrNotFound if the series has no closed bars.
func (s *BarStore) GetLatestClosed(ctx context.Context, network, pairAddress string, resolution domain.Resolution) (*domain.Bar, error) {
	query := `
		SELECT network, pair_address, resolution, period_start,
		       open, high, low, close, volume, trade_count, is_complete
		FROM bars
		WHERE network = $1 AND pair_address = $2 AND resolution = $3 AND is_complete
		ORDER BY period_start DESC
		LIMIT 1
	`

	start := time.Now()
	row := s.pool.QueryRow(ctx, query, network, pairAddress, string(resolution))
	bar, err := scanBar(row)
	observability.RecordDBQuery("postgres", "get_latest_closed", time.Since(start).Seconds(), err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest closed bar: %w", err)
	}
	return bar, nil
}

// QueryHistorical retrieves up to limit bars for a series ordered by
// period_start. A limit of zero returns all bars.
func (s *BarStore) QueryHistorical(ctx context.Context, network, pairAddress string, resolution domain.Resolution, limit int, order storage.Order) ([]*domain.Bar, error) {
	if !order.Valid() {
		return nil, storage.ErrInvalidInput
	}

	direction := "ASC"
	if order == storage.OrderDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT network, pair_address, resolution, period_start,
		       open, high, low, close, volume, trade_count, is_complete
		FROM bars
		WHERE network = $1 AND pair_address = $2 AND resolution = $3
		ORDER BY period_start %s
	`, direction)

	args := []any{network, pairAddress, string(resolution)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	observability.RecordDBQuery("postgres", "query_historical", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query historical bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// scanBar scans a single row into a Bar.
func scanBar(row pgx.Row) (*domain.Bar, error) {
	var b domain.Bar
	var resolution string

	err := row.Scan(
		&b.Network, &b.PairAddress, &resolution, &b.PeriodStart,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount, &b.IsComplete,
	)
	if err != nil {
		return nil, err
	}

	b.Resolution = domain.Resolution(resolution)
	return &b, nil
}

// scanBars scans multiple rows into a slice of Bar.
func scanBars(rows pgx.Rows) ([]*domain.Bar, error) {
	var bars []*domain.Bar

	for rows.Next() {
		var b domain.Bar
		var resolution string

		err := rows.Scan(
			&b.Network, &b.PairAddress, &resolution, &b.PeriodStart,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount, &b.IsComplete,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		b.Resolution = domain.Resolution(resolution)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}
