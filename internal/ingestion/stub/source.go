// Package stub provides an in-memory trade source for tests and dry runs.
package stub

import (
	"context"
	"sync"

	"dex-kline-engine/internal/domain"
)

// TradeSource replays a fixed slice of trades and then closes its channel.
type TradeSource struct {
	trades []*domain.TradeEvent

	once sync.Once
	out  chan *domain.TradeEvent
}

// NewTradeSource creates a source that will emit the given trades in order.
func NewTradeSource(trades []*domain.TradeEvent) *TradeSource {
	return &TradeSource{
		trades: trades,
		out:    make(chan *domain.TradeEvent),
	}
}

// Subscribe starts emitting trades on a fresh goroutine.
func (s *TradeSource) Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error) {
	s.once.Do(func() {
		go func() {
			defer close(s.out)
			for _, t := range s.trades {
				select {
				case s.out <- t:
				case <-ctx.Done():
					return
				}
			}
		}()
	})
	return s.out, nil
}

// Close is a no-op; the channel closes when the trades are drained.
func (s *TradeSource) Close() error {
	return nil
}
