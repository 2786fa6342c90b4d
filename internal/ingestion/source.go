package ingestion

import (
	"context"

	"dex-kline-engine/internal/domain"
)

// TradeSource provides a stream of trade events from an external feed.
type TradeSource interface {
	// Subscribe starts the stream. The channel is closed when the source
	// shuts down; delivery is blocking, events are never dropped.
	Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error)

	// Close stops the stream and releases the underlying connection.
	Close() error
}
