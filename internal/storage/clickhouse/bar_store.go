package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/observability"
	"dex-kline-engine/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
//
// The bars table is a ReplacingMergeTree versioned by updated_at: re-delivered
// closures insert a newer row for the same key and the duplicate is collapsed
// at merge time. Reads use FINAL so callers never observe stale versions.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// Upsert writes a closed bar. Writing the same key again replaces the row.
func (s *BarStore) Upsert(ctx context.Context, bar *domain.Bar) error {
	if bar == nil || bar.Network == "" || bar.PairAddress == "" || !bar.Resolution.Valid() {
		return storage.ErrInvalidInput
	}

	start := time.Now()
	err := s.insert(ctx, bar)
	observability.RecordDBQuery("clickhouse", "upsert_bar", time.Since(start).Seconds(), err)
	return err
}

func (s *BarStore) insert(ctx context.Context, bar *domain.Bar) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bars (
			network, pair_address, resolution, period_start,
			open, high, low, close, volume, trade_count, is_complete, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		bar.Network, bar.PairAddress, string(bar.Resolution), bar.PeriodStart,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
		uint32(bar.TradeCount), bar.IsComplete, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetLatestClosed retrieves the most recent completed bar for a series.
// Returns ErrNotFound if the series has no closed bars.
func (s *BarStore) GetLatestClosed(ctx context.Context, network, pairAddress string, resolution domain.Resolution) (*domain.Bar, error) {
	query := `
		SELECT network, pair_address, resolution, period_start,
		       open, high, low, close, volume, trade_count, is_complete
		FROM bars FINAL
		WHERE network = ? AND pair_address = ? AND resolution = ? AND is_complete
		ORDER BY period_start DESC
		LIMIT 1
	`

	start := time.Now()
	row := s.conn.QueryRow(ctx, query, network, pairAddress, string(resolution))
	bar, err := scanBar(row)
	observability.RecordDBQuery("clickhouse", "get_latest_closed", time.Since(start).Seconds(), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		FROM bars FINAL
		WHERE network = ? AND pair_address = ? AND resolution = ?
		ORDER BY period_start %s
	`, direction)

	args := []any{network, pairAddress, string(resolution)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, uint64(limit))
	}

	start := time.Now()
	rows, err := s.conn.Query(ctx, query, args...)
	observability.RecordDBQuery("clickhouse", "query_historical", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query historical bars: %w", err)
	}
	defer rows.Close()

	var bars []*domain.Bar
	for rows.Next() {
		var b domain.Bar
		var resolutionStr string
		var tradeCount uint32

		err := rows.Scan(
			&b.Network, &b.PairAddress, &resolutionStr, &b.PeriodStart,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &tradeCount, &b.IsComplete,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		b.Resolution = domain.Resolution(resolutionStr)
		b.TradeCount = int(tradeCount)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}

// chRow is the single-row scan surface shared by QueryRow results.
type chRow interface {
	Scan(dest ...any) error
}

// scanBar scans a single row into a Bar.
func scanBar(row chRow) (*domain.Bar, error) {
	var b domain.Bar
	var resolution string
	var tradeCount uint32

	err := row.Scan(
		&b.Network, &b.PairAddress, &resolution, &b.PeriodStart,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &tradeCount, &b.IsComplete,
	)
	if err != nil {
		return nil, err
	}

	b.Resolution = domain.Resolution(resolution)
	b.TradeCount = int(tradeCount)
	return &b, nil
}
